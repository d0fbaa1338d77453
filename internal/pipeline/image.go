package pipeline

import (
	"encoding/base64"
	"errors"
	"strings"
)

var errEmptyImage = errors.New("pipeline: empty image payload")

// DecodeImage decodes a base64 image payload, dropping an optional
// "data:<mime>;base64," prefix. Padded and unpadded input are accepted.
func DecodeImage(content string) ([]byte, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	if s == "" {
		return nil, errEmptyImage
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return nil, err
		}
	}
	if len(data) == 0 {
		return nil, errEmptyImage
	}
	return data, nil
}
