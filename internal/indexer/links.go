package indexer

import (
	"bufio"
	"bytes"
	"path"
	"regexp"
	"strings"

	"github.com/dshills/ctxengine/internal/storage"
	"github.com/dshills/ctxengine/pkg/types"
)

var (
	mdLink   = regexp.MustCompile(`(!?)\[([^\]]*)\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)
	urlishRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)
)

// ExtractLinks returns relative Markdown links in content as references from
// the chunk containing each link to the target file. Images, external URLs,
// in-page anchors, links inside code fences and links that leave the project
// root are skipped.
func ExtractLinks(relPath string, content []byte, chunks []types.Chunk) []storage.LinkRef {
	var (
		links   []storage.LinkRef
		seen    = make(map[storage.LinkRef]bool)
		inFence bool
		fence   string
		lineNo  int
		dir     = path.Dir(relPath)
	)

	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if marker := fenceMarker(trimmed); marker != "" {
			switch {
			case !inFence:
				inFence, fence = true, marker
			case strings.HasPrefix(trimmed, fence):
				inFence = false
			}
			continue
		}
		if inFence {
			continue
		}

		for _, m := range mdLink.FindAllStringSubmatch(line, -1) {
			if m[1] == "!" {
				continue
			}
			target, ok := resolveLinkTarget(dir, m[3])
			if !ok || target == relPath {
				continue
			}
			ref := storage.LinkRef{
				SourceOrdinal: chunkAtLine(chunks, lineNo),
				TargetPath:    target,
				TargetOrdinal: -1,
				Label:         strings.TrimSpace(m[2]),
			}
			if ref.SourceOrdinal < 0 || seen[ref] {
				continue
			}
			seen[ref] = true
			links = append(links, ref)
		}
	}
	return links
}

func fenceMarker(trimmed string) string {
	switch {
	case strings.HasPrefix(trimmed, "```"):
		return "```"
	case strings.HasPrefix(trimmed, "~~~"):
		return "~~~"
	}
	return ""
}

// resolveLinkTarget turns a link destination into a root-relative path.
func resolveLinkTarget(dir, dest string) (string, bool) {
	if dest == "" || strings.HasPrefix(dest, "#") || urlishRe.MatchString(dest) {
		return "", false
	}
	if i := strings.IndexAny(dest, "#?"); i >= 0 {
		dest = dest[:i]
	}
	if dest == "" {
		return "", false
	}

	var target string
	if strings.HasPrefix(dest, "/") {
		target = path.Clean(strings.TrimPrefix(dest, "/"))
	} else {
		target = path.Clean(path.Join(dir, dest))
	}
	if target == "." || target == ".." || strings.HasPrefix(target, "../") {
		return "", false
	}
	return target, true
}

// chunkAtLine returns the ordinal of the last chunk covering line, or -1.
func chunkAtLine(chunks []types.Chunk, line int) int {
	found := -1
	for _, c := range chunks {
		if c.StartLine <= line && line <= c.EndLine {
			found = c.Ordinal
		}
	}
	return found
}
