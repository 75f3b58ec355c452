package importer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"code.tvl.fyi/tvix/store-go/pkg/castore/blobservice"
	log "github.com/sirupsen/logrus"
)

// the buffer size used when copying into the blob writer.
const chunkSize = 1024 * 1024

// GenBlobServiceWriteCb produces a callback function that can be used
// as blobCb for the Import function call.
func GenBlobServiceWriteCb(ctx context.Context, blobService blobservice.BlobService) func(io.Reader) ([]byte, error) {
	return func(blobReader io.Reader) ([]byte, error) {
		// Ensure the blobReader is buffered to at least the chunk size.
		blobReader = bufio.NewReaderSize(blobReader, chunkSize)

		writer := blobService.OpenWrite(ctx)

		blobSize := 0
		chunk := make([]byte, chunkSize)

		for {
			n, err := blobReader.Read(chunk)
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("unable to read from blobreader: %w", err)
			}

			if n != 0 {
				blobSize += n

				if _, err := writer.Write(chunk[:n]); err != nil {
					return nil, fmt.Errorf("writing blob chunk: %w", err)
				}
			}

			// if our read from blobReader returned an EOF, we're done
			// reading.
			if errors.Is(err, io.EOF) {
				break
			}
		}

		digest, err := writer.Close()
		if err != nil {
			return nil, fmt.Errorf("close blob writer: %w", err)
		}

		log.WithFields(log.Fields{
			"blob_digest": castore.DigestString(digest),
			"blob_size":   blobSize,
		}).Debug("uploaded blob")

		return digest, nil
	}
}
