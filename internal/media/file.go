package media

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"account-service/internal/apperr"
)

const (
	MaxFileSizeBytes = 10 << 20
	// MaxFormBytes caps a whole multipart body holding up to two images and text fields.
	MaxFormBytes = 2*MaxFileSizeBytes + 1<<20
)

// File is one uploaded part read fully into memory.
type File struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ParseForm bounds and parses a multipart request body.
func ParseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxFormBytes)
	if err := r.ParseMultipartForm(MaxFileSizeBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.BadRequest("request body is too large")
		}
		return apperr.BadRequest("invalid multipart form")
	}
	return nil
}

// ImageFromForm reads the image part named field. ok is false when the part is absent.
func ImageFromForm(r *http.Request, field string) (File, bool, error) {
	part, header, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return File{}, false, nil
		}
		return File{}, false, apperr.BadRequest(fmt.Sprintf("%s is invalid", field))
	}
	defer part.Close()

	file, err := readImage(part, header, field)
	if err != nil {
		return File{}, false, err
	}
	return file, true, nil
}

func readImage(part multipart.File, header *multipart.FileHeader, field string) (File, error) {
	data, err := io.ReadAll(io.LimitReader(part, MaxFileSizeBytes+1))
	if err != nil {
		return File{}, apperr.BadRequest(fmt.Sprintf("failed to read %s", field))
	}
	if len(data) == 0 {
		return File{}, apperr.BadRequest(fmt.Sprintf("%s file is empty", field))
	}
	if len(data) > MaxFileSizeBytes {
		return File{}, apperr.BadRequest(fmt.Sprintf("%s file is too large", field))
	}

	contentType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return File{}, apperr.BadRequest(fmt.Sprintf("%s must be an image", field))
	}

	return File{Filename: header.Filename, ContentType: contentType, Data: data}, nil
}
