package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrMissingDir indicates the expected dataset layout is absent.
	ErrMissingDir = errors.New("dataset: directory missing")
	// ErrNoSamples indicates a directory exists but holds nothing usable.
	ErrNoSamples = errors.New("dataset: no samples found")
)

// Ground-truth files carry a _road_ (or _lane_) infix that the matching
// image does not: um_road_000001.png labels um_000001.png.
var (
	roadLabelRegexp = regexp.MustCompile(`^.+_road_.+\.png$`)
	labelInfix      = regexp.MustCompile(`_(lane|road)_`)
)

// Pair is one training image and its ground-truth mask.
type Pair struct {
	Key   string
	Image string
	Label string
}

// DiscoverPairs matches root/image_2/*.png with root/gt_image_2/*_road_*.png.
// Images without a road ground truth are skipped.
func DiscoverPairs(root string) ([]Pair, error) {
	imageDir := filepath.Join(root, "image_2")
	labelDir := filepath.Join(root, "gt_image_2")
	for _, dir := range []string{imageDir, labelDir} {
		if err := requireDir(dir); err != nil {
			return nil, err
		}
	}

	labels := make(map[string]string)
	err := filepath.WalkDir(labelDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if roadLabelRegexp.MatchString(d.Name()) {
			labels[labelInfix.ReplaceAllString(d.Name(), "_")] = path
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover labels: %w", err)
	}

	images, err := DiscoverImages(imageDir)
	if err != nil {
		return nil, err
	}

	pairs := make([]Pair, 0, len(images))
	for _, img := range images {
		key := filepath.Base(img)
		label, ok := labels[key]
		if !ok {
			continue
		}
		pairs = append(pairs, Pair{Key: strings.TrimSuffix(key, ".png"), Image: img, Label: label})
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: no image/label pairs under %s", ErrNoSamples, root)
	}
	return pairs, nil
}

// DiscoverImages returns the sorted *.png files directly under dir.
func DiscoverImages(dir string) ([]string, error) {
	if err := requireDir(dir); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("discover images: %w", err)
	}
	images := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.ToLower(filepath.Ext(e.Name())) != ".png" {
			continue
		}
		images = append(images, filepath.Join(dir, e.Name()))
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no png images under %s", ErrNoSamples, dir)
	}
	sort.Strings(images)
	return images, nil
}

func requireDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissingDir, dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrMissingDir, dir)
	}
	return nil
}
