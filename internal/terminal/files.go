package terminal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/websoft9/connhub/internal/fileutil"
	"github.com/websoft9/connhub/internal/progress"
	"github.com/websoft9/connhub/internal/subsystem"
)

// Object types reported by the files resolvers.
const (
	TypeFile    = "file"
	TypeDir     = "dir"
	TypeSymlink = "symlink"
)

// walkMaxResults caps a recursive ("**") resolve.
const walkMaxResults = 500

// ErrNotDirectory is returned when a relative resolve targets a non-directory.
var ErrNotDirectory = errors.New("files: parent is not a directory")

// fileSystem is the slash-path view a files resolver lists from.
type fileSystem interface {
	ReadDir(dir string) ([]os.FileInfo, error)
	Lstat(p string) (os.FileInfo, error)
	// Walk calls fn for every entry below root, root included.
	Walk(root string, fn func(p string, fi os.FileInfo) error) error
}

// ---- SFTP ----

// FilesResolver lists files over an sftp session opened on the host's shared
// SSH connection, or straight from disk when the host is the local machine.
type FilesResolver struct {
	proto *ShellProtocol
	local localFS

	mu     sync.Mutex
	client *sftp.Client
	// conn is the SSH connection client was opened on.
	conn *cryptossh.Client
}

var (
	_ subsystem.Resolver    = (*FilesResolver)(nil)
	_ subsystem.Initializer = (*FilesResolver)(nil)
)

func NewFilesResolver(proto *ShellProtocol) *FilesResolver {
	return &FilesResolver{proto: proto, local: localFS{root: "/"}}
}

// InitializeSubSystem opens the sftp session once the SSH connection is up.
func (r *FilesResolver) InitializeSubSystem(_ context.Context, mon progress.Monitor) error {
	if r.proto.IsLocal() {
		return nil
	}
	progress.OrNop(mon).SubTask("open sftp session")
	_, err := r.session()
	return err
}

// UninitializeSubSystem closes the sftp session.
func (r *FilesResolver) UninitializeSubSystem(context.Context, progress.Monitor) error {
	r.mu.Lock()
	cl := r.client
	r.client, r.conn = nil, nil
	r.mu.Unlock()
	return closeSFTP(cl)
}

func closeSFTP(cl *sftp.Client) error {
	if cl == nil {
		return nil
	}
	if err := cl.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("sftp: close: %w", err)
	}
	return nil
}

// session returns the sftp client for the current SSH connection. A client
// left over from an earlier connection is closed and replaced.
func (r *FilesResolver) session() (*sftp.Client, error) {
	sshClient, err := r.proto.Client()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil && r.conn == sshClient {
		return r.client, nil
	}
	_ = closeSFTP(r.client)
	r.client, r.conn = nil, nil

	cl, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, fmt.Errorf("sftp: open subsystem: %w", err)
	}
	r.client, r.conn = cl, sshClient
	return cl, nil
}

func (r *FilesResolver) fileSystem() (fileSystem, error) {
	if r.proto.IsLocal() {
		return r.local, nil
	}
	cl, err := r.session()
	if err != nil {
		return nil, err
	}
	return sftpFS{cl}, nil
}

func (r *FilesResolver) ResolveAbsolute(ctx context.Context, pattern string, mon progress.Monitor) ([]subsystem.RemoteObject, error) {
	fsys, err := r.fileSystem()
	if err != nil {
		return nil, err
	}
	return resolveFiles(ctx, fsys, pattern, mon)
}

func (r *FilesResolver) ResolveRelative(ctx context.Context, parent subsystem.RemoteObject, pattern string, mon progress.Monitor) ([]subsystem.RemoteObject, error) {
	fsys, err := r.fileSystem()
	if err != nil {
		return nil, err
	}
	return resolveChildren(ctx, fsys, parent, pattern, mon)
}

type sftpFS struct{ c *sftp.Client }

func (f sftpFS) ReadDir(dir string) ([]os.FileInfo, error) { return f.c.ReadDir(dir) }
func (f sftpFS) Lstat(p string) (os.FileInfo, error)       { return f.c.Lstat(p) }

func (f sftpFS) Walk(root string, fn func(string, os.FileInfo) error) error {
	walker := f.c.Walk(root)
	for walker.Step() {
		if walker.Err() != nil {
			continue
		}
		if err := fn(walker.Path(), walker.Stat()); err != nil {
			if errors.Is(err, fs.SkipAll) {
				return nil
			}
			return err
		}
	}
	return nil
}

// ---- Local ----

// LocalFilesResolver lists files below Root on this machine. Patterns are
// rooted slash paths interpreted relative to Root.
type LocalFilesResolver struct {
	Root string
}

var _ subsystem.Resolver = (*LocalFilesResolver)(nil)

func NewLocalFilesResolver(root string) *LocalFilesResolver {
	if root == "" {
		root = "/"
	}
	return &LocalFilesResolver{Root: root}
}

func (r *LocalFilesResolver) ResolveAbsolute(ctx context.Context, pattern string, mon progress.Monitor) ([]subsystem.RemoteObject, error) {
	return resolveFiles(ctx, localFS{root: filepath.Clean(r.Root)}, pattern, mon)
}

func (r *LocalFilesResolver) ResolveRelative(ctx context.Context, parent subsystem.RemoteObject, pattern string, mon progress.Monitor) ([]subsystem.RemoteObject, error) {
	return resolveChildren(ctx, localFS{root: filepath.Clean(r.Root)}, parent, pattern, mon)
}

type localFS struct{ root string }

func (f localFS) abs(p string) (string, error) {
	rel := strings.TrimPrefix(path.Clean("/"+p), "/")
	abs, err := fileutil.ResolveSafePath(f.root, rel, nil)
	if err != nil {
		return "", fmt.Errorf("files: %s: %w", p, err)
	}
	return abs, nil
}

func (f localFS) ReadDir(dir string) ([]os.FileInfo, error) {
	abs, err := f.abs(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	out := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fi)
	}
	return out, nil
}

func (f localFS) Lstat(p string) (os.FileInfo, error) {
	abs, err := f.abs(p)
	if err != nil {
		return nil, err
	}
	return os.Lstat(abs)
}

func (f localFS) Walk(root string, fn func(string, os.FileInfo) error) error {
	absRoot, err := f.abs(root)
	if err != nil {
		return err
	}
	return filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && p != absRoot {
				return fs.SkipDir
			}
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := fileutil.ToSlashRel(f.root, p)
		if err != nil {
			return err
		}
		return fn(rel, fi)
	})
}

// ---- Pattern matching ----

// resolveFiles lists the entries matching pattern. The last path element is
// a path.Match glob; a "**" directory element matches any depth below it.
func resolveFiles(ctx context.Context, fsys fileSystem, pattern string, mon progress.Monitor) ([]subsystem.RemoteObject, error) {
	mon = progress.OrNop(mon)
	dir, name := splitPattern(pattern)
	if _, err := path.Match(name, ""); err != nil {
		return nil, fmt.Errorf("files: pattern %q: %w", pattern, err)
	}

	if root, ok := strings.CutSuffix(dir, "/**"); ok {
		if root == "" {
			root = "/"
		}
		return walkFiles(ctx, fsys, root, name, mon)
	}

	mon.SubTask("list " + dir)
	infos, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("files: read dir %q: %w", dir, err)
	}
	var out []subsystem.RemoteObject
	for _, fi := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ok, _ := path.Match(name, fi.Name()); !ok {
			continue
		}
		full := path.Join(dir, fi.Name())
		if lfi, lerr := fsys.Lstat(full); lerr == nil {
			fi = lfi
		}
		out = append(out, fileObject(full, fi))
	}
	return out, nil
}

func walkFiles(ctx context.Context, fsys fileSystem, root, name string, mon progress.Monitor) ([]subsystem.RemoteObject, error) {
	mon.SubTask("walk " + root)
	var out []subsystem.RemoteObject
	err := fsys.Walk(root, func(p string, fi os.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == root {
			return nil
		}
		if ok, _ := path.Match(name, fi.Name()); !ok {
			return nil
		}
		out = append(out, fileObject(p, fi))
		if len(out) >= walkMaxResults {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// resolveChildren lists the entries of parent matching pattern.
func resolveChildren(ctx context.Context, fsys fileSystem, parent subsystem.RemoteObject, pattern string, mon progress.Monitor) ([]subsystem.RemoteObject, error) {
	if parent.Type != TypeDir {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, parent.Path)
	}
	if pattern == "" {
		pattern = "*"
	}
	return resolveFiles(ctx, fsys, path.Join(parent.Path, pattern), mon)
}

// splitPattern splits a rooted slash pattern into its directory and the glob
// for the last element. An empty glob matches everything.
func splitPattern(pattern string) (dir, name string) {
	if pattern == "" {
		return "/", "*"
	}
	if !strings.HasPrefix(pattern, "/") {
		pattern = "/" + pattern
	}
	dir, name = path.Split(pattern)
	dir = path.Clean(dir)
	if name == "" {
		name = "*"
	}
	return dir, name
}

func fileObject(p string, fi os.FileInfo) subsystem.RemoteObject {
	t := TypeFile
	if fi.IsDir() {
		t = TypeDir
	} else if fi.Mode()&os.ModeSymlink != 0 {
		t = TypeSymlink
	}
	return subsystem.RemoteObject{
		Name:    fi.Name(),
		Type:    t,
		Path:    p,
		Size:    fi.Size(),
		ModTime: fi.ModTime().UTC(),
		Attrs:   map[string]string{"mode": fi.Mode().String()},
	}
}
