// envelope.go implements the message envelope shared by every object the
// engine stores on the backend: a gzip'd tar archive whose single member is
// the canonical JSON serialization of the model. The archive form keeps the
// payload inspectable with ordinary tooling.
package syftmsg

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"

	"github.com/pkg/errors"
)

// envelopeMember is the name of the single tar member inside every envelope.
const envelopeMember = "proposed_file_changes.json"

// ErrBadEnvelope reports an envelope that could not be decoded.
var ErrBadEnvelope = errors.New("syftmsg: malformed message envelope")

// Compress wraps data into the canonical single-member tar.gz envelope.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	hdr := &tar.Header{
		Name: envelopeMember,
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, errors.Wrap(err, "write envelope header")
	}
	if _, err := tw.Write(data); err != nil {
		return nil, errors.Wrap(err, "write envelope payload")
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "close envelope tar")
	}
	if err := gw.Close(); err != nil {
		return nil, errors.Wrap(err, "close envelope gzip")
	}
	return buf.Bytes(), nil
}

// Uncompress extracts the canonical member from an envelope produced by
// Compress. Any structural problem is reported as ErrBadEnvelope so callers
// can skip the message without aborting their tick.
func Uncompress(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(ErrBadEnvelope, err.Error())
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(ErrBadEnvelope, err.Error())
		}
		if hdr.Name == envelopeMember {
			payload, err := io.ReadAll(tr)
			if err != nil {
				return nil, errors.Wrap(ErrBadEnvelope, err.Error())
			}
			return payload, nil
		}
	}
	return nil, errors.Wrap(ErrBadEnvelope, "missing payload member")
}
