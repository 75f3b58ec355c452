package main

import (
	"fmt"
	"os"

	"code.tvl.fyi/tvix/store-go/pkg/pathinfoservice"
)

type KeygenCmd struct {
	KeyName string `arg:"" help:"The name of the key, e.g. cache.example.org-1"`
	Out     string `name:"out" help:"Where to write the secret key, printed to stdout if unset"`
}

func (cmd *KeygenCmd) Run() error {
	signingKey, publicKey, err := pathinfoservice.GenerateKeypair(cmd.KeyName)
	if err != nil {
		return err
	}

	if cmd.Out != "" {
		if err := os.WriteFile(cmd.Out, []byte(signingKey.String()+"\n"), 0o600); err != nil {
			return fmt.Errorf("unable to write secret key: %w", err)
		}
	} else {
		fmt.Println(signingKey.String())
	}

	fmt.Println(publicKey.String())
	return nil
}
