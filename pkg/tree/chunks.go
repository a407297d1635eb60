package tree

import (
	"context"

	"github.com/mmalmi/hashtree-go/pkg/block"
)

// writeChunked splits data into fixed-size chunks (the trailing chunk
// short), stores each as a blob child, and stores a chunked node
// referencing them in order.
func (t *Tree) writeChunked(ctx context.Context, data []byte, parentKey *Key) (block.CID, error) {
	var chunks []block.Chunk
	for off := 0; off < len(data); off += t.chunkSize {
		end := off + t.chunkSize
		if end > len(data) {
			end = len(data)
		}
		piece := data[off:end]
		cid, err := t.writeChild(ctx, block.KindBlob, piece, parentKey)
		if err != nil {
			return block.CID{}, err
		}
		chunks = append(chunks, block.Chunk{CID: cid, Size: uint64(len(piece))})
	}
	chunked := block.Chunked{Chunks: chunks}
	return t.writeChild(ctx, block.KindChunked, chunked.Encode(), parentKey)
}

// readChunked reassembles a chunked node's body into the original bytes.
func (t *Tree) readChunked(ctx context.Context, body []byte) ([]byte, error) {
	chunked, err := block.DecodeChunked(body)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, ch := range chunked.Chunks {
		kind, chunkBody, err := t.readBlock(ctx, ch.CID)
		if err != nil {
			return nil, err
		}
		if kind != block.KindBlob {
			return nil, ErrNotADirectory
		}
		out = append(out, chunkBody...)
	}
	return out, nil
}
