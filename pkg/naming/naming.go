package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// maxNameLength is the usual filesystem limit for a single path element, in bytes.
	maxNameLength = 255

	hashLength = 8

	defaultStem = "download"
)

var ErrInvalidFolder = errors.New("invalid downloads folder")

// Policy maps a URL to the file it is downloaded to. release must be called once the transfer is finished, it frees
// the path for the next caller.
type Policy interface {
	Resolve(u *url.URL) (dest string, release func(), err error)
}

var prefixedSubfolders = []string{"DM", "DO", "DA"}

// Subfolder returns the folder a file with the given stem is sorted into, or "" for the downloads folder itself.
func Subfolder(stem string) string {
	for _, sub := range prefixedSubfolders {
		if strings.HasPrefix(stem, sub+"_") {
			return sub
		}
	}
	return ""
}

// SplitName returns the stem and extension of the last element of the (escaped) URL path.
func SplitName(u *url.URL) (stem, ext string) {
	base := path.Base(u.EscapedPath())
	if base == "/" || base == "." {
		return "", ""
	}
	ext = path.Ext(base)
	if ext == base {
		// dotfiles have no extension
		ext = ""
	}
	return strings.TrimSuffix(base, ext), ext
}

// folderFor creates the subfolder for stem when needed and returns the folder the file goes to.
func folderFor(downloads, stem string, u *url.URL, logger zerolog.Logger) (string, error) {
	info, err := os.Stat(downloads)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrInvalidFolder, downloads)
	}
	sub := Subfolder(stem)
	if sub == "" {
		logger.Warn().Str("url", u.String()).Msg("No subfolder specified for URL")
		return downloads, nil
	}
	folder := filepath.Join(downloads, sub)
	if err := os.MkdirAll(folder, 0755); err != nil {
		return "", fmt.Errorf("error creating folder %s: %w", folder, err)
	}
	return folder, nil
}

func truncate(stem string, limit int) string {
	if limit < 0 {
		limit = 0
	}
	if len(stem) > limit {
		return stem[:limit]
	}
	return stem
}

func noRelease() {}

// Stable names a file after its URL: <stem>_<hash><ext>, where hash is the first 8 hex digits of sha256(url).
// The same URL always maps to the same path, which is what lets a later run resume or skip it. A path that is
// still held by an earlier Resolve of the same URL gets a numeric suffix.
type Stable struct {
	Folder string
	Logger zerolog.Logger

	mu      sync.Mutex
	claimed map[string]struct{}
}

var _ Policy = &Stable{}

func NewStable(folder string, logger zerolog.Logger) *Stable {
	return &Stable{Folder: folder, Logger: logger}
}

func (s *Stable) Resolve(u *url.URL) (string, func(), error) {
	stem, ext := SplitName(u)
	folder, err := folderFor(s.Folder, stem, u, s.Logger)
	if err != nil {
		return "", noRelease, err
	}
	if stem == "" {
		stem = defaultStem
	}
	sum := sha256.Sum256([]byte(u.String()))
	hash := hex.EncodeToString(sum[:])[:hashLength]

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed == nil {
		s.claimed = make(map[string]struct{})
	}
	for n := 0; ; n++ {
		suffix := "_" + hash
		if n > 0 {
			suffix += "_" + strconv.Itoa(n)
		}
		name := truncate(stem, maxNameLength-len(suffix)-len(ext)) + suffix + ext
		dest := filepath.Join(folder, name)
		if _, busy := s.claimed[dest]; busy {
			continue
		}
		s.claimed[dest] = struct{}{}
		var once sync.Once
		return dest, func() {
			once.Do(func() {
				s.mu.Lock()
				delete(s.claimed, dest)
				s.mu.Unlock()
			})
		}, nil
	}
}

// Unique gives every call a new name: <stem>_<YYYYmmddHHMMSS>_<0..9999><ext>. Files named this way are never
// resumed by a later call.
type Unique struct {
	Folder string
	Logger zerolog.Logger

	// Now and Intn default to time.Now and math/rand.
	Now  func() time.Time
	Intn func(n int) int
}

var _ Policy = &Unique{}

func NewUnique(folder string, logger zerolog.Logger) *Unique {
	return &Unique{Folder: folder, Logger: logger}
}

func (p *Unique) Resolve(u *url.URL) (string, func(), error) {
	stem, ext := SplitName(u)
	folder, err := folderFor(p.Folder, stem, u, p.Logger)
	if err != nil {
		return "", noRelease, err
	}
	return filepath.Join(folder, p.name(stem, ext)), noRelease, nil
}

func (p *Unique) name(stem, ext string) string {
	now, intn := p.Now, p.Intn
	if now == nil {
		now = time.Now
	}
	if intn == nil {
		intn = rand.IntN
	}
	timestamp := now().Format("20060102150405")
	number := strconv.Itoa(intn(10000))
	limit := maxNameLength - len(ext) - 1 - len(timestamp) - len(number) - 2
	return fmt.Sprintf("%s_%s_%s%s", truncate(stem, limit), timestamp, number, ext)
}

// New returns the policy registered under name ("stable" or "unique").
func New(name, folder string, logger zerolog.Logger) (Policy, error) {
	switch name {
	case "", "stable":
		return NewStable(folder, logger), nil
	case "unique":
		return NewUnique(folder, logger), nil
	default:
		return nil, fmt.Errorf("unknown naming policy %q", name)
	}
}
