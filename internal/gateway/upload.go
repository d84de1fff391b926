package gateway

import (
	"bytes"
	"fmt"
	"image"
	"mime"
	"net/http"
	"strings"
)

// DefaultMaxUploadBytes is the upload size limit (10 MiB).
const DefaultMaxUploadBytes int64 = 10 << 20

var allowedTypes = map[string]string{
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/png":  "png",
}

// Upload is one uploaded image. Data is never modified, so later stages
// may read it again.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// MediaType returns the declared content type, sniffing the data when the
// client sent none or a generic binary type.
func (u Upload) MediaType() string {
	declared := strings.TrimSpace(u.ContentType)
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			declared = strings.ToLower(mt)
		} else {
			declared = strings.ToLower(declared)
		}
	}
	if declared == "" || declared == "application/octet-stream" {
		return http.DetectContentType(u.Data)
	}
	return declared
}

// Ext returns the file extension stored images get.
func (u Upload) Ext() string {
	if ext, ok := allowedTypes[u.MediaType()]; ok {
		return ext
	}
	return "bin"
}

// ValidateUpload rejects empty, oversized and non JPEG/PNG uploads. It does
// not decode the image.
func ValidateUpload(u Upload, maxBytes int64) error {
	const op = "validate upload"
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if len(u.Data) == 0 {
		return clientError(op, "no image provided", 0, nil)
	}
	if int64(len(u.Data)) > maxBytes {
		return TooLarge(maxBytes)
	}
	mt := u.MediaType()
	if _, ok := allowedTypes[mt]; !ok {
		return clientError(op,
			fmt.Sprintf("unsupported image type %q: only JPEG and PNG are accepted", mt),
			http.StatusUnsupportedMediaType, nil)
	}
	return nil
}

// TooLarge is the error for an upload over maxBytes. Transports that stop
// reading early use it to report the same failure.
func TooLarge(maxBytes int64) *Error {
	return clientError("validate upload",
		fmt.Sprintf("image exceeds the %s upload limit", humanSize(maxBytes)),
		http.StatusRequestEntityTooLarge, nil)
}

// checkDecodable verifies that the header of the image parses.
func checkDecodable(u Upload) error {
	if _, _, err := image.DecodeConfig(bytes.NewReader(u.Data)); err != nil {
		return clientError("decode image", "invalid image data", 0, err)
	}
	return nil
}

func humanSize(n int64) string {
	if n%(1<<20) == 0 {
		return fmt.Sprintf("%d MiB", n>>20)
	}
	if n%(1<<10) == 0 {
		return fmt.Sprintf("%d KiB", n>>10)
	}
	return fmt.Sprintf("%d bytes", n)
}
