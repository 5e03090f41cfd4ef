// Package recordings lists and resolves recorded segments on disk.
package recordings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loykin/camvisr/internal/media"
	"github.com/loykin/camvisr/internal/worker"
)

var ErrInvalidPath = errors.New("invalid recording path")

// Segment is one recorded file.
type Segment struct {
	Camera string    `json:"camera"`
	Path   string    `json:"path"` // relative to the camera's recordings dir
	Start  time.Time `json:"start"`
	Size   int64     `json:"size"`
}

// List returns the segments of camera recorded on date (YYYY-MM-DD), ordered
// by start time. A missing date directory yields an empty list.
func List(l media.Layout, camera, date string) ([]Segment, error) {
	if !worker.IsSafeName(camera) {
		return nil, fmt.Errorf("%w: camera %q", ErrInvalidPath, camera)
	}
	if _, err := time.Parse(media.DateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: date %q", ErrInvalidPath, date)
	}
	base := l.CameraRecordingsDir(camera)
	hours, err := os.ReadDir(filepath.Join(base, date))
	if os.IsNotExist(err) {
		return []Segment{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := []Segment{}
	for _, h := range hours {
		if !h.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(base, date, h.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".mp4") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			start, err := time.ParseInLocation(media.FileTimeLayout, strings.TrimSuffix(f.Name(), ".mp4"), time.Local)
			if err != nil {
				start = info.ModTime()
			}
			out = append(out, Segment{
				Camera: camera,
				Path:   filepath.ToSlash(filepath.Join(date, h.Name(), f.Name())),
				Start:  start,
				Size:   info.Size(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// Dates returns the recorded days of camera, newest first.
func Dates(l media.Layout, camera string) ([]string, error) {
	if !worker.IsSafeName(camera) {
		return nil, fmt.Errorf("%w: camera %q", ErrInvalidPath, camera)
	}
	entries, err := os.ReadDir(l.CameraRecordingsDir(camera))
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, e := range entries {
		if _, err := time.Parse(media.DateLayout, e.Name()); e.IsDir() && err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

// Resolve maps a segment path as returned by List back to a file on disk.
// Paths that escape the camera's directory are rejected.
func Resolve(l media.Layout, camera, rel string) (string, error) {
	if !worker.IsSafeName(camera) {
		return "", fmt.Errorf("%w: camera %q", ErrInvalidPath, camera)
	}
	rel = strings.TrimPrefix(filepath.FromSlash(rel), string(filepath.Separator))
	clean := filepath.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	if filepath.Ext(clean) != ".mp4" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return filepath.Join(l.CameraRecordingsDir(camera), clean), nil
}
