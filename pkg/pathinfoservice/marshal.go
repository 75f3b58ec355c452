package pathinfoservice

import (
	"fmt"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"code.tvl.fyi/tvix/store-go/pkg/nixhash"
	"code.tvl.fyi/tvix/store-go/pkg/storepath"
	"github.com/nix-community/go-nix/pkg/narinfo/signature"
	"google.golang.org/protobuf/encoding/protowire"
)

// The persisted form of a PathInfo is a protobuf wire message:
//
//	PathInfo:  directory_node=1 | file_node=2 | symlink_node=3,
//	           repeated references=4, narinfo=5
//	Node:      name=1, digest=2, size=3, executable=4, target=5
//	NARInfo:   nar_size=1, nar_sha256=2, repeated signatures=3,
//	           repeated reference_names=4, deriver=5, ca=6
//	Signature: name=1, data=2
//	StorePath: name=1, digest=2
//	CAHash:    kind=1, algo=2, digest=3

func appendBytesField(b []byte, num protowire.Number, val []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, val)
}

func appendVarintField(b []byte, num protowire.Number, val uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, val)
}

func marshalNode(node castore.Node) ([]byte, protowire.Number, error) {
	var msg []byte
	switch n := node.(type) {
	case *castore.DirectoryNode:
		msg = appendBytesField(msg, 1, n.Name)
		msg = appendBytesField(msg, 2, n.Digest)
		msg = appendVarintField(msg, 3, n.Size)
		return msg, 1, nil
	case *castore.FileNode:
		msg = appendBytesField(msg, 1, n.Name)
		msg = appendBytesField(msg, 2, n.Digest)
		msg = appendVarintField(msg, 3, n.Size)
		var executable uint64
		if n.Executable {
			executable = 1
		}
		msg = appendVarintField(msg, 4, executable)
		return msg, 2, nil
	case *castore.SymlinkNode:
		msg = appendBytesField(msg, 1, n.Name)
		msg = appendBytesField(msg, 5, n.Target)
		return msg, 3, nil
	default:
		return nil, 0, fmt.Errorf("unknown node type")
	}
}

func marshalPathInfo(p *PathInfo) ([]byte, error) {
	var b []byte

	nodeMsg, nodeField, err := marshalNode(p.Node)
	if err != nil {
		return nil, err
	}
	b = appendBytesField(b, nodeField, nodeMsg)

	for _, reference := range p.References {
		b = appendBytesField(b, 4, reference)
	}

	if p.Narinfo != nil {
		var ni []byte
		ni = appendVarintField(ni, 1, p.Narinfo.NarSize)
		ni = appendBytesField(ni, 2, p.Narinfo.NarSha256)
		for _, sig := range p.Narinfo.Signatures {
			var sigMsg []byte
			sigMsg = appendBytesField(sigMsg, 1, []byte(sig.Name))
			sigMsg = appendBytesField(sigMsg, 2, sig.Data)
			ni = appendBytesField(ni, 3, sigMsg)
		}
		for _, referenceName := range p.Narinfo.ReferenceNames {
			ni = appendBytesField(ni, 4, []byte(referenceName))
		}
		if p.Narinfo.Deriver != nil {
			var drv []byte
			drv = appendBytesField(drv, 1, []byte(p.Narinfo.Deriver.Name))
			drv = appendBytesField(drv, 2, p.Narinfo.Deriver.Digest)
			ni = appendBytesField(ni, 5, drv)
		}
		if p.Narinfo.CA != nil {
			var ca []byte
			ca = appendBytesField(ca, 1, []byte(p.Narinfo.CA.Kind))
			ca = appendBytesField(ca, 2, []byte(p.Narinfo.CA.Hash.Algo))
			ca = appendBytesField(ca, 3, p.Narinfo.CA.Hash.Digest)
			ni = appendBytesField(ni, 6, ca)
		}
		b = appendBytesField(b, 5, ni)
	}

	return b, nil
}

type fieldHandler func(num protowire.Number, val []byte, uval uint64, isBytes bool) error

func consumeMessage(data []byte, handle fieldHandler) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			if err := handle(num, append([]byte(nil), val...), 0, true); err != nil {
				return err
			}
		case protowire.VarintType:
			uval, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			if err := handle(num, nil, uval, false); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected wire type %v for field %d", typ, num)
		}
	}
	return nil
}

func unmarshalNode(msg []byte, nodeField protowire.Number) (castore.Node, error) {
	var name, digest, target []byte
	var size, executable uint64

	if err := consumeMessage(msg, func(num protowire.Number, val []byte, uval uint64, isBytes bool) error {
		switch {
		case num == 1 && isBytes:
			name = val
		case num == 2 && isBytes:
			digest = val
		case num == 3 && !isBytes:
			size = uval
		case num == 4 && !isBytes:
			executable = uval
		case num == 5 && isBytes:
			target = val
		default:
			return fmt.Errorf("unexpected field %d in node", num)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	switch nodeField {
	case 1:
		return &castore.DirectoryNode{Name: name, Digest: digest, Size: size}, nil
	case 2:
		return &castore.FileNode{Name: name, Digest: digest, Size: size, Executable: executable != 0}, nil
	case 3:
		return &castore.SymlinkNode{Name: name, Target: target}, nil
	default:
		return nil, fmt.Errorf("unknown node field %d", nodeField)
	}
}

func unmarshalNARInfo(msg []byte) (*NARInfo, error) {
	narInfo := &NARInfo{
		Signatures:     []signature.Signature{},
		ReferenceNames: []string{},
	}

	if err := consumeMessage(msg, func(num protowire.Number, val []byte, uval uint64, isBytes bool) error {
		switch {
		case num == 1 && !isBytes:
			narInfo.NarSize = uval
		case num == 2 && isBytes:
			narInfo.NarSha256 = val
		case num == 3 && isBytes:
			var sig signature.Signature
			if err := consumeMessage(val, func(fnum protowire.Number, fval []byte, _ uint64, fIsBytes bool) error {
				switch {
				case fnum == 1 && fIsBytes:
					sig.Name = string(fval)
				case fnum == 2 && fIsBytes:
					sig.Data = fval
				default:
					return fmt.Errorf("unexpected field %d in signature", fnum)
				}
				return nil
			}); err != nil {
				return err
			}
			narInfo.Signatures = append(narInfo.Signatures, sig)
		case num == 4 && isBytes:
			narInfo.ReferenceNames = append(narInfo.ReferenceNames, string(val))
		case num == 5 && isBytes:
			deriver := &storepath.StorePath{}
			if err := consumeMessage(val, func(fnum protowire.Number, fval []byte, _ uint64, fIsBytes bool) error {
				switch {
				case fnum == 1 && fIsBytes:
					deriver.Name = string(fval)
				case fnum == 2 && fIsBytes:
					deriver.Digest = fval
				default:
					return fmt.Errorf("unexpected field %d in deriver", fnum)
				}
				return nil
			}); err != nil {
				return err
			}
			narInfo.Deriver = deriver
		case num == 6 && isBytes:
			ca := &nixhash.CAHash{}
			if err := consumeMessage(val, func(fnum protowire.Number, fval []byte, _ uint64, fIsBytes bool) error {
				switch {
				case fnum == 1 && fIsBytes:
					ca.Kind = nixhash.CAKind(fval)
				case fnum == 2 && fIsBytes:
					ca.Hash.Algo = nixhash.Algo(fval)
				case fnum == 3 && fIsBytes:
					ca.Hash.Digest = fval
				default:
					return fmt.Errorf("unexpected field %d in ca", fnum)
				}
				return nil
			}); err != nil {
				return err
			}
			narInfo.CA = ca
		default:
			return fmt.Errorf("unexpected field %d in narinfo", num)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return narInfo, nil
}

func unmarshalPathInfo(data []byte) (*PathInfo, error) {
	pathInfo := &PathInfo{References: [][]byte{}}

	if err := consumeMessage(data, func(num protowire.Number, val []byte, _ uint64, isBytes bool) error {
		switch {
		case (num == 1 || num == 2 || num == 3) && isBytes:
			node, err := unmarshalNode(val, num)
			if err != nil {
				return err
			}
			pathInfo.Node = node
		case num == 4 && isBytes:
			pathInfo.References = append(pathInfo.References, val)
		case num == 5 && isBytes:
			narInfo, err := unmarshalNARInfo(val)
			if err != nil {
				return err
			}
			pathInfo.Narinfo = narInfo
		default:
			return fmt.Errorf("unexpected field %d in pathinfo", num)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return pathInfo, nil
}
