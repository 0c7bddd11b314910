// Package blacklist loads the INI-style sensor/username blacklist files
// that let an operator silently drop credential harvests from specific
// (sensor, username) pairs, or from any sensor via the "*" section.
package blacklist

import (
	"bufio"
	"os"
	"strings"
	"sync"
)

// Blacklist holds the parsed sections of one or more blacklist files,
// keyed by sensor name (or "*" for the wildcard section).
type Blacklist struct {
	mu       sync.RWMutex
	sections map[string][]string
}

// New creates an empty Blacklist. Use Load to populate it.
func New() *Blacklist {
	return &Blacklist{sections: map[string][]string{}}
}

// Load reads and merges files into the blacklist, keeping entries already
// present. Unreadable files are skipped silently, matching the reference
// loader which wraps each file read in a best-effort try/except.
func (b *Blacklist) Load(files []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range files {
		b.readLocked(f)
	}
}

// Reset clears all loaded entries, for use before a full reload.
func (b *Blacklist) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sections = map[string][]string{}
}

func (b *Blacklist) readLocked(filename string) {
	f, err := os.Open(filename)
	if err != nil {
		return
	}
	defer f.Close()

	var section string
	var inSection bool

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()

		if name, ok := parseSectionHeader(line); ok {
			section = name
			inSection = true
			if _, exists := b.sections[section]; !exists {
				b.sections[section] = nil
			}
			continue
		}
		if !inSection {
			continue
		}

		// This replicates the reference parser's regex
		// ^(.*)(?:[;#]|$), which always matches greedily to the end of
		// the line: the ";"/"#" comment-stripping alternatives never
		// actually win against the greedy ".*", so a trailing "; comment"
		// on a line ends up as part of the username, not stripped from
		// it. Operator-authored blacklist files already rely on this, so
		// it is kept rather than "fixed".
		username := line
		if username == "" {
			continue
		}
		if !contains(b.sections[section], username) {
			b.sections[section] = append(b.sections[section], username)
		}
	}
}

func parseSectionHeader(line string) (name string, ok bool) {
	if len(line) < 3 || line[0] != '[' || line[len(line)-1] != ']' {
		return "", false
	}
	return line[1 : len(line)-1], true
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// Has reports whether username is blacklisted for sensor, either in its own
// section or the wildcard "*" section.
func (b *Blacklist) Has(sensor, username string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if contains(b.sections[sensor], username) {
		return true
	}
	if contains(b.sections["*"], username) {
		return true
	}
	return false
}

// DefaultDirs are the standard locations searched for blacklist.cfg files,
// matching BLACKNET_BLACKLIST_DIRS.
func DefaultDirs() []string {
	home, _ := os.UserHomeDir()
	dirs := []string{"/etc/blacknet"}
	if home != "" {
		dirs = append(dirs, home+"/.blacknet")
	}
	return dirs
}

// DefaultFiles returns "blacklist.cfg" paths under DefaultDirs, plus extra
// if non-empty.
func DefaultFiles(extra string) []string {
	var files []string
	for _, d := range DefaultDirs() {
		files = append(files, strings.TrimRight(d, "/")+"/blacklist.cfg")
	}
	if extra != "" {
		files = append(files, extra)
	}
	return files
}
