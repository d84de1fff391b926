package history

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ImageDir is the directory, relative to the media root, holding uploads.
const ImageDir = "leaf_detections"

// ImageStore saves uploaded images under the media root.
type ImageStore struct {
	fs afero.Fs
}

// NewImageStore stores images on fs, which is treated as the media root.
func NewImageStore(fs afero.Fs) *ImageStore {
	return &ImageStore{fs: fs}
}

// NewOSImageStore stores images below dir on the local disk.
func NewOSImageStore(dir string) *ImageStore {
	return NewImageStore(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

// NewMemImageStore keeps images in memory.
func NewMemImageStore() *ImageStore {
	return NewImageStore(afero.NewMemMapFs())
}

// Put writes data under a fresh name and returns its media-relative path,
// e.g. leaf_detections/<uuid>.jpg.
func (s *ImageStore) Put(ext string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("refusing to store empty image")
	}
	if err := s.fs.MkdirAll(ImageDir, 0o750); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	name := path.Join(ImageDir, uuid.NewString()+"."+normalizeExt(ext))
	if err := afero.WriteFile(s.fs, name, data, 0o640); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return name, nil
}

// Open reads a stored image.
func (s *ImageStore) Open(name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	return afero.ReadFile(s.fs, name)
}

// Remove deletes a stored image. Missing files are not an error.
func (s *ImageStore) Remove(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := s.fs.Remove(name); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
		return err
	}
	return nil
}

func checkName(name string) error {
	clean := path.Clean(name)
	if !strings.HasPrefix(clean, ImageDir+"/") {
		return fmt.Errorf("image path %q outside %s", name, ImageDir)
	}
	return nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	switch ext {
	case "jpeg", "jpg", "":
		return "jpg"
	case "png":
		return "png"
	default:
		return ext
	}
}
