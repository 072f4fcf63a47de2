package ai

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
)

const maxFrameSize = 2 * 1024 * 1024

// scanFrames calls fn for every non-empty line read from r. A line that has
// not been terminated yet stays buffered until the next read completes it.
// Lines longer than maxFrameSize are dropped whole and scanning goes on.
// Scanning ends when fn returns done, at EOF, on read error, or when ctx is
// done.
func scanFrames(ctx context.Context, r io.Reader, fn func(line []byte) (done bool, err error)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		line      []byte
		oversized bool
	)
	for {
		frag, err := br.ReadSlice('\n')
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		switch {
		case oversized:
		case len(line)+len(frag) > maxFrameSize:
			oversized = true
			line = line[:0]
		default:
			line = append(line, frag...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}

		if trimmed := bytes.TrimSpace(line); !oversized && len(trimmed) > 0 {
			done, ferr := fn(trimmed)
			if ferr != nil {
				return ferr
			}
			if done {
				return nil
			}
		}
		if err != nil {
			return nil
		}
		line, oversized = line[:0], false
	}
}

// sseData returns the payload of an SSE "data:" line.
func sseData(line []byte) ([]byte, bool) {
	rest, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return nil, false
	}
	return bytes.TrimSpace(rest), true
}

var doneSentinel = []byte("[DONE]")

func emit(ctx context.Context, ch chan<- Chunk, text string) bool {
	select {
	case ch <- Chunk{Text: text}:
		return true
	case <-ctx.Done():
		return false
	}
}
