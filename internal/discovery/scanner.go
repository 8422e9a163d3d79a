package discovery

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/ctxengine/pkg/types"
)

const (
	// DefaultMaxFileBytes is used when Options.MaxFileBytes is not set.
	DefaultMaxFileBytes = 1 << 20

	binarySniffBytes = 8 << 10
	ignoreCacheSize  = 1024
)

// ignoreFiles are read from every directory when gitignore support is on.
var ignoreFiles = []string{".gitignore", ".dockerignore"}

// builtinIgnores are always applied.
var builtinIgnores = []string{".git/", "node_modules/", "vendor/", ".hg/", ".svn/", "__pycache__/"}

// Options configures eligibility.
type Options struct {
	// DataDir is excluded from scans when it lies inside the project root.
	DataDir string
	// Roots restricts discovery to these directories (relative to the
	// project root, or absolute inside it). Empty means the whole project.
	Roots          []string
	IncludePaths   []string
	Ignore         []string
	AllowExts      []string
	BlockExts      []string
	MaxFileBytes   int64
	FollowSymlinks bool
	UseGitignore   bool
}

// FileInfo describes one eligible file.
type FileInfo struct {
	AbsPath   string
	RelPath   string // slash separated, relative to the project root
	Size      int64
	ModTimeNs int64
	Language  string
	Kind      types.ContentKind
}

// Skipped records a path excluded with a warning.
type Skipped struct {
	Path   string
	Reason string
}

// ScanResult is the sorted, de-duplicated output of a scan.
type ScanResult struct {
	Files   []FileInfo
	Skipped []Skipped
}

// Scanner enumerates eligible files under a project root.
type Scanner struct {
	root    string
	roots   []string // root-relative scan roots; empty is the whole project
	allowed []string
	opts    Options
	logger  *zap.Logger

	base      *Matcher
	allowExts map[string]bool
	blockExts map[string]bool

	// ignore files are parsed once per directory
	ignoreCache *lru.Cache[string, *Matcher]
	cacheMu     sync.Mutex
}

// New creates a scanner for root. extraRoots widen the symlink allow-list.
func New(root string, opts Options, logger *zap.Logger, extraRoots ...string) (*Scanner, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve project root")
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, errors.Wrap(err, "stat project root")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("project root is not a directory: %s", absRoot)
	}

	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := lru.New[string, *Matcher](ignoreCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create ignore cache")
	}

	s := &Scanner{
		root:        absRoot,
		allowed:     []string{absRoot},
		opts:        opts,
		logger:      logger.Named("discovery"),
		base:        NewMatcher(builtinIgnores...),
		allowExts:   extSet(opts.AllowExts),
		blockExts:   extSet(opts.BlockExts),
		ignoreCache: cache,
	}
	for _, p := range opts.Ignore {
		s.base.AddPattern(p)
	}
	for ext := range s.allowExts {
		if !KnownExtension(ext) {
			s.logger.Info("allowed extension has no language mapping, chunked as text", zap.String("ext", ext))
		}
	}
	if opts.DataDir != "" {
		if rel, ok := s.relative(opts.DataDir); ok && rel != "" {
			s.base.AddPattern("/" + rel + "/")
		}
	}
	for _, r := range extraRoots {
		if abs, err := filepath.Abs(r); err == nil {
			s.allowed = append(s.allowed, abs)
		}
	}
	if err := s.setRoots(opts.Roots); err != nil {
		return nil, err
	}
	return s, nil
}

// setRoots normalizes the configured scan roots. A root equal to the
// project root lifts the restriction.
func (s *Scanner) setRoots(roots []string) error {
	seen := make(map[string]bool, len(roots))
	for _, r := range roots {
		if strings.TrimSpace(r) == "" {
			continue
		}
		rel, ok := s.relative(r)
		if !ok {
			return types.NewValidationError("discovery root %q is outside the project root", r)
		}
		if rel == "" {
			s.roots = nil
			return nil
		}
		if !seen[rel] {
			seen[rel] = true
			s.roots = append(s.roots, rel)
		}
	}
	sort.Strings(s.roots)
	return nil
}

// Roots returns the root-relative scan roots. Empty means the whole project.
func (s *Scanner) Roots() []string {
	return append([]string(nil), s.roots...)
}

// withinRoots reports whether rel lies under a scan root. With dir set,
// directories leading down to a root pass as well.
func (s *Scanner) withinRoots(rel string, dir bool) bool {
	if len(s.roots) == 0 {
		return true
	}
	for _, r := range s.roots {
		if rel == r || strings.HasPrefix(rel, r+"/") {
			return true
		}
		if dir && (rel == "" || strings.HasPrefix(r, rel+"/")) {
			return true
		}
	}
	return false
}

// clip narrows a requested walk start to the scan roots it overlaps.
func (s *Scanner) clip(rel string) []string {
	if s.withinRoots(rel, false) {
		return []string{rel}
	}
	var out []string
	for _, r := range s.roots {
		if rel == "" || strings.HasPrefix(r, rel+"/") {
			out = append(out, r)
		}
	}
	return out
}

func extSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	return set
}

// Root returns the absolute project root.
func (s *Scanner) Root() string {
	return s.root
}

// relative converts an absolute path to a slash path relative to the root.
func (s *Scanner) relative(abs string) (string, bool) {
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.root, abs)
	}
	rel, err := filepath.Rel(s.root, filepath.Clean(abs))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	return filepath.ToSlash(rel), true
}

// Resolve maps a user supplied path (absolute or relative to the root) to
// its root-relative form. Paths outside the root are rejected.
func (s *Scanner) Resolve(p string) (string, error) {
	rel, ok := s.relative(p)
	if !ok {
		return "", errors.Errorf("path %q is outside the project root", p)
	}
	return rel, nil
}

// Scan walks roots in parallel and returns every eligible file. Empty roots
// means the configured scan roots. Requested roots are narrowed to the
// configured ones. Unreadable paths are recorded as skipped.
func (s *Scanner) Scan(ctx context.Context, roots []string) (*ScanResult, error) {
	if len(roots) == 0 {
		roots = []string{""}
	}

	var (
		mu      sync.Mutex
		files   = make(map[string]FileInfo)
		skipped []Skipped
	)
	collect := func(f *FileInfo, sk *Skipped) {
		mu.Lock()
		defer mu.Unlock()
		if f != nil {
			files[f.RelPath] = *f
		}
		if sk != nil {
			skipped = append(skipped, *sk)
		}
	}

	starts := make(map[string]bool)
	for _, root := range roots {
		rel, ok := s.relative(root)
		if !ok {
			return nil, types.NewValidationError("scan root %q is outside the project root", root)
		}
		for _, start := range s.clip(rel) {
			starts[start] = true
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for start := range starts {
		abs := filepath.Join(s.root, filepath.FromSlash(start))
		g.Go(func() error {
			return s.walk(gctx, abs, collect)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &ScanResult{Files: make([]FileInfo, 0, len(files)), Skipped: skipped}
	for _, f := range files {
		result.Files = append(result.Files, f)
	}
	sort.Slice(result.Files, func(i, j int) bool {
		return result.Files[i].RelPath < result.Files[j].RelPath
	})
	sort.Slice(result.Skipped, func(i, j int) bool {
		return result.Skipped[i].Path < result.Skipped[j].Path
	})
	return result, nil
}

func (s *Scanner) walk(ctx context.Context, start string, collect func(*FileInfo, *Skipped)) error {
	info, err := os.Lstat(start)
	if err != nil {
		s.logger.Warn("scan root unreadable", zap.String("path", start), zap.Error(err))
		collect(nil, &Skipped{Path: start, Reason: err.Error()})
		return nil
	}
	if !info.IsDir() {
		rel, _ := s.relative(start)
		if f, reason := s.check(start, rel, fs.FileInfoToDirEntry(info)); f != nil {
			collect(f, nil)
		} else if reason != "" {
			collect(nil, &Skipped{Path: rel, Reason: reason})
		}
		return nil
	}

	return filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, ok := s.relative(p)
		if err != nil {
			s.logger.Warn("skip unreadable path", zap.String("path", p), zap.Error(err))
			collect(nil, &Skipped{Path: rel, Reason: err.Error()})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !ok || rel == "" {
			return nil
		}

		if d.IsDir() {
			if s.ignored(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}

		f, reason := s.check(p, rel, d)
		if f != nil {
			collect(f, nil)
		} else if reason != "" {
			s.logger.Debug("skip file", zap.String("path", rel), zap.String("reason", reason))
			collect(nil, &Skipped{Path: rel, Reason: reason})
		}
		return nil
	})
}

// check applies the file filters in order. A nil FileInfo with an empty
// reason is a silent exclusion (ignored or filtered by extension).
func (s *Scanner) check(abs, rel string, d fs.DirEntry) (*FileInfo, string) {
	target := abs
	if d.Type()&fs.ModeSymlink != 0 {
		if !s.opts.FollowSymlinks {
			return nil, ""
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, "broken symlink"
		}
		if !s.insideAllowed(resolved) {
			return nil, "symlink target outside allowed roots"
		}
		target = resolved
	}

	if s.ignored(rel, false) {
		return nil, ""
	}
	if !s.extensionAllowed(rel) {
		return nil, ""
	}
	if !s.included(rel) {
		return nil, ""
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, err.Error()
	}
	if info.IsDir() {
		return nil, ""
	}
	if info.Size() > s.opts.MaxFileBytes {
		return nil, "file exceeds max size"
	}
	binary, err := isBinary(target)
	if err != nil {
		return nil, err.Error()
	}
	if binary {
		return nil, "binary file"
	}

	lang := DetectLanguage(rel)
	return &FileInfo{
		AbsPath:   abs,
		RelPath:   rel,
		Size:      info.Size(),
		ModTimeNs: info.ModTime().UnixNano(),
		Language:  lang,
		Kind:      DetectKind(lang),
	}, ""
}

// Eligible applies the same filters as Scan to a single path.
func (s *Scanner) Eligible(absPath string) bool {
	rel, ok := s.relative(absPath)
	if !ok || rel == "" {
		return false
	}
	for _, dir := range ancestors(rel)[1:] {
		if s.ignored(dir, true) {
			return false
		}
	}
	if !s.withinRoots(rel, false) {
		return false
	}
	info, err := os.Lstat(absPath)
	if err != nil {
		return false
	}
	f, _ := s.check(absPath, rel, fs.FileInfoToDirEntry(info))
	return f != nil
}

// Tracked applies only the path-based filters, so it also answers for files
// that no longer exist.
func (s *Scanner) Tracked(absPath string) bool {
	rel, ok := s.relative(absPath)
	if !ok || rel == "" {
		return false
	}
	for _, dir := range ancestors(rel)[1:] {
		if s.ignored(dir, true) {
			return false
		}
	}
	return s.withinRoots(rel, false) && !s.ignored(rel, false) && s.extensionAllowed(rel) && s.included(rel)
}

// IgnoredDir reports whether a directory is excluded from scans.
func (s *Scanner) IgnoredDir(absPath string) bool {
	rel, ok := s.relative(absPath)
	if !ok {
		return true
	}
	return rel != "" && (s.ignored(rel, true) || !s.withinRoots(rel, true))
}

func (s *Scanner) insideAllowed(resolved string) bool {
	for _, root := range s.allowed {
		rel, err := filepath.Rel(root, resolved)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// ignored layers the base patterns with every ignore file from the root
// down to the path's directory. The deepest matching rule wins.
func (s *Scanner) ignored(rel string, isDir bool) bool {
	ignored, _ := s.base.Match(rel, isDir)
	if !s.opts.UseGitignore {
		return ignored
	}
	for _, dir := range ancestors(rel) {
		m := s.dirMatcher(dir)
		if m == nil {
			continue
		}
		sub, ok := relTo(dir, rel)
		if !ok {
			continue
		}
		if ig, matched := m.Match(sub, isDir); matched {
			ignored = ig
		}
	}
	return ignored
}

func (s *Scanner) dirMatcher(dir string) *Matcher {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if m, ok := s.ignoreCache.Get(dir); ok {
		return m
	}

	var combined *Matcher
	for _, name := range ignoreFiles {
		file := filepath.Join(s.root, filepath.FromSlash(dir), name)
		m, err := LoadMatcher(file)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("read ignore file", zap.String("path", file), zap.Error(err))
			}
			continue
		}
		if combined == nil {
			combined = m
		} else {
			combined.rules = append(combined.rules, m.rules...)
		}
	}
	s.ignoreCache.Add(dir, combined)
	return combined
}

func (s *Scanner) extensionAllowed(rel string) bool {
	ext := strings.ToLower(filepath.Ext(rel))
	if s.blockExts[ext] {
		return false
	}
	if len(s.allowExts) > 0 {
		return s.allowExts[ext]
	}
	return DetectLanguage(rel) != ""
}

func (s *Scanner) included(rel string) bool {
	if len(s.opts.IncludePaths) == 0 {
		return true
	}
	for _, prefix := range s.opts.IncludePaths {
		prefix = strings.Trim(filepath.ToSlash(prefix), "/")
		if prefix == "" || rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			return true
		}
	}
	return false
}

// isBinary reports whether the first bytes of the file contain a NUL.
func isBinary(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, binarySniffBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	return bytes.IndexByte(buf[:n], 0) >= 0, nil
}
