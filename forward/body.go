package forward

import (
	"bytes"
	"crypto/rand"
	"io"
	"strings"

	"github.com/omalloc/scangate/pkg/spool"
)

const boundaryPrefix = "----WebKitFormBoundary"

var boundaryAlphabet = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

// newBoundary returns a browser-shaped boundary with 16 random
// alphanumerics.
func newBoundary() string {
	raw := make([]byte, 16)
	_, _ = rand.Read(raw)
	for i, b := range raw {
		raw[i] = boundaryAlphabet[int(b)%len(boundaryAlphabet)]
	}
	return boundaryPrefix + string(raw)
}

// multipartBody re-emits the spooled file inside a fresh multipart
// envelope. It reads lazily in three phases: preamble, file chunks of
// up to 128 KiB, postamble. The captured part headers go out verbatim.
type multipartBody struct {
	preamble  *bytes.Reader
	file      io.ReadCloser
	postamble *bytes.Reader
	onRead    func(int)
}

func newMultipartBody(boundary string, partHeaders []string, sp *spool.Spool, onRead func(int)) *multipartBody {
	var pre bytes.Buffer
	pre.WriteString("--" + boundary + "\r\n")
	pre.WriteString(strings.Join(partHeaders, "\r\n"))
	pre.WriteString("\r\n\r\n")

	return &multipartBody{
		preamble:  bytes.NewReader(pre.Bytes()),
		file:      sp.Reader(0),
		postamble: bytes.NewReader([]byte("\r\n--" + boundary + "--\r\n")),
		onRead:    onRead,
	}
}

func (b *multipartBody) Read(p []byte) (int, error) {
	n, err := b.read(p)
	if n > 0 && b.onRead != nil {
		b.onRead(n)
	}
	return n, err
}

func (b *multipartBody) read(p []byte) (int, error) {
	if b.preamble.Len() > 0 {
		return b.preamble.Read(p)
	}
	if b.file != nil {
		n, err := b.file.Read(p)
		if err == io.EOF {
			_ = b.file.Close()
			b.file = nil
			if n > 0 {
				return n, nil
			}
			return b.postamble.Read(p)
		}
		return n, err
	}
	return b.postamble.Read(p)
}

func (b *multipartBody) Close() error {
	if b.file != nil {
		err := b.file.Close()
		b.file = nil
		return err
	}
	return nil
}
