package changes

import (
	"context"
	"crypto/sha256"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/ctxengine/internal/discovery"
	"github.com/dshills/ctxengine/internal/storage"
)

// Catalog is the part of the store change detection reads.
type Catalog interface {
	ListFiles(ctx context.Context) ([]*storage.File, error)
}

// ChangeSet partitions a scan against the catalog.
type ChangeSet struct {
	New       []discovery.FileInfo
	Modified  []discovery.FileInfo
	Unchanged []discovery.FileInfo
	// Deleted holds relative paths of cataloged files missing from the scan.
	Deleted []string
	// Touched is the subset of Unchanged whose mtime or size moved while the
	// content did not.
	Touched []discovery.FileInfo
	// Fingerprint holds the content hash of every readable cataloged file,
	// keyed by relative path.
	Fingerprint map[string][32]byte
}

// Counts returns new, modified, deleted and unchanged totals.
func (c *ChangeSet) Counts() (newFiles, modified, deleted, unchanged int) {
	return len(c.New), len(c.Modified), len(c.Deleted), len(c.Unchanged)
}

// Pending returns new and modified files, new first.
func (c *ChangeSet) Pending() []discovery.FileInfo {
	out := make([]discovery.FileInfo, 0, len(c.New)+len(c.Modified))
	out = append(out, c.New...)
	return append(out, c.Modified...)
}

// Detector compares scans with the catalog.
type Detector struct {
	catalog Catalog
	logger  *zap.Logger
	workers int
}

// NewDetector creates a detector. A nil logger discards output.
func NewDetector(catalog Catalog, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		catalog: catalog,
		logger:  logger.Named("changes"),
		workers: runtime.NumCPU(),
	}
}

// Detect is a convenience wrapper around NewDetector(catalog, nil).Detect.
func Detect(ctx context.Context, catalog Catalog, files []discovery.FileInfo, scope []string) (*ChangeSet, error) {
	return NewDetector(catalog, nil).Detect(ctx, files, scope)
}

type verdict int

const (
	verdictUnchanged verdict = iota
	verdictTouched
	verdictModified
)

// Detect partitions files into new, modified, unchanged and touched, and
// reports cataloged files under scope that the scan no longer contains.
// An empty scope covers the whole catalog.
func (d *Detector) Detect(ctx context.Context, files []discovery.FileInfo, scope []string) (*ChangeSet, error) {
	catalog, err := d.catalog.ListFiles(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list catalog")
	}
	known := make(map[string]*storage.File, len(catalog))
	for _, f := range catalog {
		known[f.RelPath] = f
	}

	set := &ChangeSet{Fingerprint: make(map[string][32]byte)}
	seen := make(map[string]bool, len(files))

	// every cataloged file is hashed; size and mtime only separate touched
	// files from untouched ones
	type candidate struct {
		info    discovery.FileInfo
		stored  *storage.File
		hash    [32]byte
		verdict verdict
	}
	var candidates []*candidate

	for _, info := range files {
		seen[info.RelPath] = true
		stored, ok := known[info.RelPath]
		switch {
		case !ok:
			set.New = append(set.New, info)
		default:
			candidates = append(candidates, &candidate{info: info, stored: stored})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hash, err := HashFile(c.info.AbsPath)
			if err != nil {
				// reindexing will surface the read error for this file
				d.logger.Warn("hash file", zap.String("path", c.info.RelPath), zap.Error(err))
				c.verdict = verdictModified
				return nil
			}
			c.hash = hash
			switch {
			case hash != c.stored.ContentHash:
				c.verdict = verdictModified
			case c.stored.SizeBytes != c.info.Size || c.stored.ModTimeNs != c.info.ModTimeNs:
				c.verdict = verdictTouched
			default:
				c.verdict = verdictUnchanged
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if c.hash != ([32]byte{}) {
			set.Fingerprint[c.info.RelPath] = c.hash
		}
		switch c.verdict {
		case verdictUnchanged:
			set.Unchanged = append(set.Unchanged, c.info)
		case verdictTouched:
			set.Unchanged = append(set.Unchanged, c.info)
			set.Touched = append(set.Touched, c.info)
		default:
			set.Modified = append(set.Modified, c.info)
		}
	}

	for _, f := range catalog {
		if seen[f.RelPath] || !InScope(f.RelPath, scope) {
			continue
		}
		set.Deleted = append(set.Deleted, f.RelPath)
	}

	sortInfos(set.New)
	sortInfos(set.Modified)
	sortInfos(set.Unchanged)
	sortInfos(set.Touched)
	sort.Strings(set.Deleted)

	d.logger.Debug("detected changes",
		zap.Int("new", len(set.New)),
		zap.Int("modified", len(set.Modified)),
		zap.Int("deleted", len(set.Deleted)),
		zap.Int("unchanged", len(set.Unchanged)),
		zap.Int("touched", len(set.Touched)))
	return set, nil
}

// InScope reports whether relPath lies under one of the relative path
// prefixes. An empty scope, "" or "." matches everything.
func InScope(relPath string, scope []string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, prefix := range scope {
		prefix = strings.Trim(prefix, "/")
		if prefix == "" || prefix == "." {
			return true
		}
		if relPath == prefix || strings.HasPrefix(relPath, prefix+"/") {
			return true
		}
	}
	return false
}

// HashFile computes the SHA-256 of a file's content.
func HashFile(path string) ([32]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return [32]byte{}, err
	}
	defer func() { _ = file.Close() }()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return [32]byte{}, err
	}

	var result [32]byte
	copy(result[:], hash.Sum(nil))
	return result, nil
}

func sortInfos(infos []discovery.FileInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].RelPath < infos[j].RelPath })
}
