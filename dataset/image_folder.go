package dataset

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ImageFolderConfig configures an ImageFolderSource
type ImageFolderConfig struct {
	Extensions []string // default: .jpg, .jpeg, .png
	Height     int      // resize target; 0 keeps each image's own size
	Width      int
	Shuffle    bool  // shuffle the file order on every pass
	Seed       int64 // seed for shuffling
	CacheSize  int   // decoded images kept in memory (0 disables caching)
}

// ImageFolderSource reads images from a directory tree in which each
// subdirectory is a class. Images are decoded to 3-channel CHW bytes and
// labelled with their class index. It loops forever over the files.
type ImageFolderSource struct {
	config     ImageFolderConfig
	imagePaths []string
	labels     []int
	classNames []string
	cache      *DatumCache

	mu    sync.Mutex
	order []int
	pos   int
	rng   *rand.Rand
}

// NewImageFolderSource scans root for class directories and their images
func NewImageFolderSource(root string, config ImageFolderConfig) (*ImageFolderSource, error) {
	if len(config.Extensions) == 0 {
		config.Extensions = []string{".jpg", ".jpeg", ".png"}
	}
	if (config.Height == 0) != (config.Width == 0) {
		return nil, errors.Errorf("resize needs both height and width, got %dx%d", config.Height, config.Width)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list classes")
	}

	src := &ImageFolderSource{config: config}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		classIdx := len(src.classNames)
		src.classNames = append(src.classNames, entry.Name())

		files, err := os.ReadDir(filepath.Join(root, entry.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list class %s", entry.Name())
		}
		for _, f := range files {
			if f.IsDir() || !hasExtension(f.Name(), config.Extensions) {
				continue
			}
			src.imagePaths = append(src.imagePaths, filepath.Join(root, entry.Name(), f.Name()))
			src.labels = append(src.labels, classIdx)
		}
	}

	if len(src.imagePaths) == 0 {
		return nil, errors.Errorf("no images found in %s", root)
	}

	src.order = make([]int, len(src.imagePaths))
	for i := range src.order {
		src.order[i] = i
	}
	src.rng = rand.New(rand.NewSource(config.Seed))
	if config.Shuffle {
		src.shuffle()
	}
	if config.CacheSize > 0 {
		src.cache = NewDatumCache(config.CacheSize)
	}
	return src, nil
}

func hasExtension(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

func (s *ImageFolderSource) shuffle() {
	s.rng.Shuffle(len(s.order), func(i, j int) {
		s.order[i], s.order[j] = s.order[j], s.order[i]
	})
}

// Next returns the next image, starting a new pass after the last one
func (s *ImageFolderSource) Next() (*Datum, error) {
	s.mu.Lock()
	if s.pos == len(s.order) {
		s.pos = 0
		if s.config.Shuffle {
			s.shuffle()
		}
	}
	idx := s.order[s.pos]
	s.pos++
	s.mu.Unlock()

	path := s.imagePaths[idx]
	if s.cache != nil {
		if d, ok := s.cache.Get(path); ok {
			return d, nil
		}
	}

	d, err := s.load(path)
	if err != nil {
		return nil, err
	}
	d.Label = int32(s.labels[idx])
	if s.cache != nil {
		s.cache.Put(path, d)
	}
	return d, nil
}

func (s *ImageFolderSource) load(path string) (*Datum, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	return imageToDatum(img, s.config.Height, s.config.Width), nil
}

// imageToDatum converts img to 8-bit RGB in CHW order, resizing with
// nearest-neighbour sampling when height and width are set
func imageToDatum(img image.Image, height, width int) *Datum {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if height == 0 {
		height, width = srcH, srcW
	}

	d := &Datum{Channels: 3, Height: height, Width: width, Data: make([]byte, 3*height*width)}
	plane := height * width
	for y := 0; y < height; y++ {
		sy := bounds.Min.Y + y*srcH/height
		for x := 0; x < width; x++ {
			sx := bounds.Min.X + x*srcW/width
			r, g, b, _ := img.At(sx, sy).RGBA()
			i := y*width + x
			d.Data[i] = byte(r >> 8)
			d.Data[plane+i] = byte(g >> 8)
			d.Data[2*plane+i] = byte(b >> 8)
		}
	}
	return d
}

// Len returns the number of images
func (s *ImageFolderSource) Len() int {
	return len(s.imagePaths)
}

// NumClasses returns the number of classes
func (s *ImageFolderSource) NumClasses() int {
	return len(s.classNames)
}

// ClassNames returns the class names in label order
func (s *ImageFolderSource) ClassNames() []string {
	return s.classNames
}

// ClassDistribution returns the number of images per class
func (s *ImageFolderSource) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range s.labels {
		dist[s.classNames[label]]++
	}
	return dist
}

// CacheStats returns statistics of the decoded image cache
func (s *ImageFolderSource) CacheStats() CacheStats {
	if s.cache == nil {
		return CacheStats{}
	}
	return s.cache.Stats()
}

// Shard returns the images whose position modulo count equals index, for
// giving each device its own slice of the data
func (s *ImageFolderSource) Shard(index, count int) (*ImageFolderSource, error) {
	if count <= 0 || index < 0 || index >= count {
		return nil, errors.Errorf("invalid shard %d of %d", index, count)
	}

	shard := &ImageFolderSource{
		config:     s.config,
		classNames: s.classNames,
		rng:        rand.New(rand.NewSource(s.config.Seed + int64(index))),
	}
	for i := index; i < len(s.imagePaths); i += count {
		shard.imagePaths = append(shard.imagePaths, s.imagePaths[i])
		shard.labels = append(shard.labels, s.labels[i])
	}
	if len(shard.imagePaths) == 0 {
		return nil, errors.Errorf("shard %d of %d is empty", index, count)
	}

	shard.order = make([]int, len(shard.imagePaths))
	for i := range shard.order {
		shard.order[i] = i
	}
	if shard.config.Shuffle {
		shard.shuffle()
	}
	if s.config.CacheSize > 0 {
		shard.cache = NewDatumCache(s.config.CacheSize)
	}
	return shard, nil
}
