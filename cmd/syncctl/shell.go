package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/danmuck/syncctl/internal/ftp"
	"github.com/danmuck/syncctl/internal/link"
	"github.com/danmuck/syncctl/internal/protocol/obex"
	"github.com/dustin/go-humanize"
)

var (
	errNotConnected = errors.New("not connected")
	errUsage        = errors.New("usage")
)

// shell drives one connected ftp.Service, one command at a time.
type shell struct {
	svc     *ftp.Service
	w       *ftp.Waiter
	out     io.Writer
	timeout time.Duration
}

const helpText = `commands:
  ls [DIR]     list DIR, or the root folder
  cd DIR       change folder ("..", "/" and nested paths are accepted)
  pwd          print the current folder
  get PATH     download PATH into the store directory
  rm PATH      delete PATH
  help         show this text
  exit         disconnect and quit
`

// connect waits for the first connect attempt to settle.
func (sh *shell) connect(ctx context.Context, address string) error {
	if address != "" {
		if !sh.svc.Connect(address) {
			return ftp.ErrServiceClosed
		}
	} else if err := sh.svc.ConnectDefault(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sh.timeout)
	defer cancel()
	ev, err := sh.w.Until(ctx, ftp.ConnectOutcome)
	if err != nil {
		return err
	}
	if cc, ok := ev.(ftp.ConnectComplete); ok && cc.Result == link.ResultOK {
		fmt.Fprintf(sh.out, "connected to %s (connection id %d)\n", sh.svc.ConnectedDevice(), cc.ConnID)
		return nil
	}
	return fmt.Errorf("connect to %s failed", strings.Join(sh.svc.Addresses(), ", "))
}

// repl reads commands from in until EOF or exit.
func (sh *shell) repl(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(sh.out, "syncctl> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 {
			if fields[0] == "exit" || fields[0] == "quit" {
				return nil
			}
			if err := sh.exec(ctx, fields); err != nil {
				fmt.Fprintf(sh.out, "error: %v\n", err)
				if errors.Is(err, errNotConnected) {
					return err
				}
			}
		}
		fmt.Fprint(sh.out, "syncctl> ")
	}
	return scanner.Err()
}

func (sh *shell) exec(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "help":
		fmt.Fprint(sh.out, helpText)
		return nil
	case "pwd":
		fmt.Fprintln(sh.out, sh.svc.DirectoryURI())
		return nil
	case "ls":
		if len(rest) > 1 {
			return fmt.Errorf("%w: ls [DIR]", errUsage)
		}
		target := ""
		if len(rest) == 1 {
			target = rest[0]
		}
		return sh.list(ctx, target)
	case "cd":
		if len(rest) != 1 {
			return fmt.Errorf("%w: cd DIR", errUsage)
		}
		if err := sh.walk(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, sh.svc.DirectoryURI())
		return nil
	case "get":
		if len(rest) != 1 {
			return fmt.Errorf("%w: get PATH", errUsage)
		}
		return sh.get(ctx, rest[0])
	case "rm":
		if len(rest) != 1 {
			return fmt.Errorf("%w: rm PATH", errUsage)
		}
		return sh.remove(ctx, rest[0])
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

// walk changes folder one segment at a time.
func (sh *shell) walk(ctx context.Context, dir string) error {
	if strings.HasPrefix(dir, "/") {
		if err := sh.changeFolder(ctx, "/"); err != nil {
			return err
		}
	}
	for _, seg := range strings.Split(dir, "/") {
		if seg == "" || seg == "." {
			continue
		}
		if err := sh.changeFolder(ctx, seg); err != nil {
			return err
		}
	}
	return nil
}

func (sh *shell) changeFolder(ctx context.Context, name string) error {
	ev, err := sh.await(ctx, sh.svc.ChangeFolder(name), func(ev ftp.Event) bool {
		_, ok := ev.(ftp.ChangeFolderComplete)
		return ok
	})
	if err != nil {
		return err
	}
	if ev.(ftp.ChangeFolderComplete).Result != link.ResultOK {
		return fmt.Errorf("cd %s failed", name)
	}
	return nil
}

// split walks to the parent of p and returns its last element.
func (sh *shell) split(ctx context.Context, p string) (string, error) {
	dir, base := path.Split(p)
	if dir != "" {
		if err := sh.walk(ctx, dir); err != nil {
			return "", err
		}
	}
	return base, nil
}

func (sh *shell) list(ctx context.Context, target string) error {
	name := ""
	if target != "" && target != "/" {
		base, err := sh.split(ctx, strings.TrimSuffix(target, "/"))
		if err != nil {
			return err
		}
		name = base
	}
	ev, err := sh.await(ctx, sh.svc.ListFolder(name), func(ev ftp.Event) bool {
		_, ok := ev.(ftp.FolderListingComplete)
		return ok
	})
	if err != nil {
		return err
	}
	fl := ev.(ftp.FolderListingComplete)
	if fl.Result != link.ResultOK {
		return fmt.Errorf("ls %s failed", target)
	}
	printListing(sh.out, fl.Folder, fl.Items)
	return nil
}

func (sh *shell) get(ctx context.Context, p string) error {
	name, err := sh.split(ctx, p)
	if err != nil {
		return err
	}
	ev, err := sh.await(ctx, sh.svc.GetFile(name), func(ev ftp.Event) bool {
		_, ok := ev.(ftp.GetFileComplete)
		return ok
	})
	if err != nil {
		return err
	}
	gf := ev.(ftp.GetFileComplete)
	if gf.Result != link.ResultOK {
		return fmt.Errorf("get %s failed", p)
	}
	fmt.Fprintf(sh.out, "saved %s\n", gf.LocalPath)
	return nil
}

func (sh *shell) remove(ctx context.Context, p string) error {
	name, err := sh.split(ctx, p)
	if err != nil {
		return err
	}
	ev, err := sh.await(ctx, sh.svc.DeleteFile(name), func(ev ftp.Event) bool {
		_, ok := ev.(ftp.DeleteComplete)
		return ok
	})
	if err != nil {
		return err
	}
	if ev.(ftp.DeleteComplete).Result != link.ResultOK {
		return fmt.Errorf("rm %s failed", p)
	}
	fmt.Fprintf(sh.out, "deleted %s\n", p)
	return nil
}

// await blocks for the completion of a submitted request. A request the
// service refused means the session is gone.
func (sh *shell) await(ctx context.Context, submitted bool, match func(ftp.Event) bool) (ftp.Event, error) {
	if !submitted {
		return nil, errNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, sh.timeout)
	defer cancel()
	return sh.w.Until(ctx, match)
}

func printListing(out io.Writer, folder string, items []obex.FolderListingItem) {
	fmt.Fprintf(out, "%s:\n", folder)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, it := range items {
		kind, size, name := "-", humanize.Bytes(it.Size), it.Name
		if it.IsFolder() {
			kind, size, name = "d", "", it.Name+"/"
		}
		stamp := ""
		if it.HasTimestamp() {
			stamp = it.Timestamp.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", kind, stamp, size, name)
	}
	_ = tw.Flush()
}
