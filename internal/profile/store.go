// Package profile manages the profiles repository on disk: listing,
// applying a profile to a project's .claude directory, saving one back, and
// loading what publish needs.
//
// Layout under the repository root:
//
//	claude-profiles/<name>/   built-in profiles
//	custom-profiles/<name>/   profiles saved by the user
//	commands/profiles.md      injected into every applied profile
package profile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zip"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/raphi011/cpm/internal/clock"
	"github.com/raphi011/cpm/internal/log"
	"github.com/raphi011/cpm/internal/storage"
)

const (
	BuiltinDirName = "claude-profiles"
	CustomDirName  = "custom-profiles"
	MetadataFile   = "profile.json"
	SnapshotFile   = "snapshot.zip"
	ClaudeDirName  = ".claude"
	injectedFile   = "profiles.md"
	lockFile       = ".cpm.lock"
	noDescription  = "(no description)"
)

var (
	ErrInvalidName   = errors.New("profile name must contain only letters, numbers, hyphens, and underscores")
	ErrBuiltinName   = errors.New("name is used by a built-in profile")
	ErrExists        = errors.New("profile already exists, use --force to overwrite")
	ErrNoClaudeDir   = errors.New("no .claude directory found")
	ErrNoMetadata    = errors.New("profile has no profile.json")
	ErrNoSnapshot    = errors.New("profile has no snapshot.zip, save it again")
	ErrLockContended = errors.New("profiles repository is locked by another cpm process")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName reports whether name is usable as a profile directory.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Kind tells built-in and custom profiles apart.
type Kind int

const (
	Builtin Kind = iota
	Custom
)

func (k Kind) String() string {
	if k == Custom {
		return "custom"
	}
	return "builtin"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Info describes a profile found on disk.
type Info struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Kind        Kind   `json:"kind" yaml:"kind"`
	Dir         string `json:"dir" yaml:"dir"`
}

// NotFoundError is returned by Resolve.
type NotFoundError struct {
	Name        string
	Available   []string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("profile %q not found", e.Name)
	if len(e.Suggestions) > 0 {
		msg += fmt.Sprintf(" (did you mean %s?)", strings.Join(e.Suggestions, ", "))
	}
	return msg
}

// Store works on a profiles repository rooted at Root.
type Store struct {
	fs    afero.Fs
	root  string
	clock clock.Clock
}

// NewStore creates a Store. clk may be nil.
func NewStore(fs afero.Fs, root string, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{fs: fs, root: root, clock: clk}
}

func (s *Store) Root() string       { return s.root }
func (s *Store) builtinDir() string { return filepath.Join(s.root, BuiltinDirName) }
func (s *Store) customDir() string  { return filepath.Join(s.root, CustomDirName) }

// lock serializes mutations across processes. Only the OS filesystem is locked.
func (s *Store) lock(ctx context.Context) (func(), error) {
	if _, ok := s.fs.(*afero.OsFs); !ok {
		return func() {}, nil
	}
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return nil, err
	}

	fl := flock.New(filepath.Join(s.root, lockFile))
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("lock profiles repository: %w", err)
	}
	if !locked {
		return nil, ErrLockContended
	}
	return func() { _ = fl.Unlock() }, nil
}

// List returns built-in profiles followed by custom ones, each sorted by name.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	var builtins, customs []Info

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		builtins, err = s.listDir(ctx, s.builtinDir(), Builtin)
		return err
	})
	g.Go(func() error {
		var err error
		customs, err = s.listDir(ctx, s.customDir(), Custom)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return append(builtins, customs...), nil
}

func (s *Store) listDir(ctx context.Context, dir string, kind Kind) ([]Info, error) {
	entries, err := afero.ReadDir(s.fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var infos []Info
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		infos = append(infos, Info{
			Name:        e.Name(),
			Description: s.description(ctx, path),
			Kind:        kind,
			Dir:         path,
		})
	}
	return infos, nil
}

func (s *Store) description(ctx context.Context, dir string) string {
	data, err := afero.ReadFile(s.fs, filepath.Join(dir, MetadataFile))
	if err != nil {
		return noDescription
	}
	md, err := ParseMetadata(data)
	if err != nil {
		log.FromContext(ctx).Debug("ignoring unreadable metadata", "dir", dir, "err", err)
		return noDescription
	}
	if md.Description == "" {
		return noDescription
	}
	return md.Description
}

// Resolve finds a profile by name. Built-in profiles win over custom ones.
func (s *Store) Resolve(ctx context.Context, name string) (Info, error) {
	if ValidName(name) {
		for _, c := range []struct {
			dir  string
			kind Kind
		}{{s.builtinDir(), Builtin}, {s.customDir(), Custom}} {
			path := filepath.Join(c.dir, name)
			if ok, _ := afero.DirExists(s.fs, path); ok {
				return Info{Name: name, Description: s.description(ctx, path), Kind: c.kind, Dir: path}, nil
			}
		}
	}

	all, err := s.List(ctx)
	if err != nil {
		return Info{}, err
	}
	nfe := &NotFoundError{Name: name}
	for _, p := range all {
		if !slices.Contains(nfe.Available, p.Name) {
			nfe.Available = append(nfe.Available, p.Name)
		}
	}
	for i, m := range fuzzy.Find(name, nfe.Available) {
		if i == 3 {
			break
		}
		nfe.Suggestions = append(nfe.Suggestions, m.Str)
	}
	return Info{}, nfe
}

// Apply replaces <target>/.claude with the profile and injects the shared
// profiles command.
func (s *Store) Apply(ctx context.Context, name, target string) (Info, error) {
	info, err := s.Resolve(ctx, name)
	if err != nil {
		return Info{}, err
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return Info{}, err
	}
	defer unlock()

	claudeDir := filepath.Join(target, ClaudeDirName)
	if err := s.fs.RemoveAll(claudeDir); err != nil {
		return Info{}, fmt.Errorf("remove %s: %w", claudeDir, err)
	}
	if err := copyDir(s.fs, info.Dir, claudeDir, func(rel string) bool { return rel == SnapshotFile }); err != nil {
		return Info{}, fmt.Errorf("copy profile: %w", err)
	}

	commandsDir := filepath.Join(claudeDir, "commands")
	if err := s.fs.MkdirAll(commandsDir, 0o755); err != nil {
		return Info{}, err
	}
	src := filepath.Join(s.root, "commands", injectedFile)
	if ok, _ := afero.Exists(s.fs, src); ok {
		if err := copyFile(s.fs, src, filepath.Join(commandsDir, injectedFile)); err != nil {
			return Info{}, fmt.Errorf("inject %s: %w", injectedFile, err)
		}
	}

	log.FromContext(ctx).Debug("profile applied", "profile", name, "target", target)
	return info, nil
}

// SaveOptions controls Save.
type SaveOptions struct {
	Description string
	Force       bool
}

// Save copies <target>/.claude into custom-profiles/<name>, writes its
// metadata and builds the snapshot archive.
func (s *Store) Save(ctx context.Context, name, target string, opts SaveOptions) (Info, error) {
	if !ValidName(name) {
		return Info{}, ErrInvalidName
	}
	if ok, _ := afero.DirExists(s.fs, filepath.Join(s.builtinDir(), name)); ok {
		return Info{}, fmt.Errorf("%q: %w", name, ErrBuiltinName)
	}
	claudeDir := filepath.Join(target, ClaudeDirName)
	if ok, _ := afero.DirExists(s.fs, claudeDir); !ok {
		return Info{}, fmt.Errorf("%w at %s", ErrNoClaudeDir, claudeDir)
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return Info{}, err
	}
	defer unlock()

	saveDir := filepath.Join(s.customDir(), name)
	if ok, _ := afero.Exists(s.fs, saveDir); ok {
		if !opts.Force {
			return Info{}, fmt.Errorf("%q: %w", name, ErrExists)
		}
		if err := s.fs.RemoveAll(saveDir); err != nil {
			return Info{}, err
		}
	}

	if err := copyDir(s.fs, claudeDir, saveDir, nil); err != nil {
		return Info{}, fmt.Errorf("copy %s: %w", claudeDir, err)
	}
	// re-injected on every apply
	_ = s.fs.Remove(filepath.Join(saveDir, "commands", injectedFile))
	_ = s.fs.Remove(filepath.Join(saveDir, SnapshotFile))

	contents, err := ScanContents(s.fs, saveDir)
	if err != nil {
		return Info{}, err
	}
	description := opts.Description
	if description == "" {
		description = "Custom profile saved on " + s.clock.Now().UTC().Format(time.DateOnly)
	}
	md := Metadata{
		Name:        name,
		Description: description,
		Version:     DefaultVersion,
		Contents:    contents,
	}
	if err := storage.SaveJSON(s.fs, filepath.Join(saveDir, MetadataFile), md); err != nil {
		return Info{}, fmt.Errorf("write %s: %w", MetadataFile, err)
	}

	snapshot, err := Snapshot(s.fs, saveDir)
	if err != nil {
		return Info{}, err
	}
	if err := storage.WriteFileAtomic(s.fs, filepath.Join(saveDir, SnapshotFile), snapshot, 0o644); err != nil {
		return Info{}, fmt.Errorf("write %s: %w", SnapshotFile, err)
	}

	return Info{Name: name, Description: description, Kind: Custom, Dir: saveDir}, nil
}

// LoadForPublish reads a profile's metadata and snapshot. Missing contents
// are filled in by scanning the profile directory.
func (s *Store) LoadForPublish(ctx context.Context, name string) (*Metadata, []byte, error) {
	info, err := s.Resolve(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	data, err := afero.ReadFile(s.fs, filepath.Join(info.Dir, MetadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("%s: %w", name, ErrNoMetadata)
	}
	if err != nil {
		return nil, nil, err
	}
	md, err := ParseMetadata(data)
	if err != nil {
		return nil, nil, err
	}
	if md.Name == "" {
		md.Name = name
	}
	if md.Contents.Empty() {
		if md.Contents, err = ScanContents(s.fs, info.Dir); err != nil {
			return nil, nil, err
		}
	}

	snapshot, err := afero.ReadFile(s.fs, filepath.Join(info.Dir, SnapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("%s: %w", name, ErrNoSnapshot)
	}
	if err != nil {
		return nil, nil, err
	}
	return md, snapshot, nil
}

// ScanContents lists a profile directory's functional items: commands and
// agents (markdown file stems), skills (sub-directories) and hooks (files).
func ScanContents(fs afero.Fs, dir string) (Contents, error) {
	contents := Contents{}

	for _, cat := range []string{"commands", "agents"} {
		entries, err := readDirIfExists(fs, filepath.Join(dir, cat))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") && e.Name() != injectedFile {
				contents[cat] = append(contents[cat], strings.TrimSuffix(e.Name(), ".md"))
			}
		}
	}

	skills, err := readDirIfExists(fs, filepath.Join(dir, "skills"))
	if err != nil {
		return nil, err
	}
	for _, e := range skills {
		if e.IsDir() {
			contents["skills"] = append(contents["skills"], e.Name())
		}
	}

	hooks, err := readDirIfExists(fs, filepath.Join(dir, "hooks"))
	if err != nil {
		return nil, err
	}
	for _, e := range hooks {
		if !e.IsDir() {
			contents["hooks"] = append(contents["hooks"], e.Name())
		}
	}

	for cat := range contents {
		slices.Sort(contents[cat])
	}
	return contents, nil
}

func readDirIfExists(fs afero.Fs, dir string) ([]os.FileInfo, error) {
	entries, err := afero.ReadDir(fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return entries, err
}

// Snapshot zips every file under dir except an existing snapshot.zip.
// Paths inside the archive are slash-separated and relative to dir.
func Snapshot(fs afero.Fs, dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if info.IsDir() || rel == SnapshotFile {
			return nil
		}

		w, err := zw.CreateHeader(&zip.FileHeader{Name: filepath.ToSlash(rel), Method: zip.Deflate})
		if err != nil {
			return err
		}
		f, err := fs.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// copyDir copies src into dst. skip is called with the path of each file
// relative to src; returning true leaves the file out.
func copyDir(fs afero.Fs, src, dst string, skip func(rel string) bool) error {
	return afero.Walk(fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return fs.MkdirAll(target, 0o755)
		}
		if skip != nil && skip(rel) {
			return nil
		}
		return copyFile(fs, path, target)
	})
}

func copyFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
