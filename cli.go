package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gluk-w/sshdeck/internal/attach"
	"github.com/gluk-w/sshdeck/internal/sshkeys"
	"github.com/gluk-w/sshdeck/internal/sshterminal"
	"github.com/gluk-w/sshdeck/internal/tree"
)

type cliOptions struct {
	exportPath string
	importPath string
	list       bool
	connect    string
	deployKey  string
}

func runCLI(ctx context.Context, a *app, opts cliOptions) error {
	switch {
	case opts.exportPath != "":
		if err := a.store.ExportFile(ctx, opts.exportPath); err != nil {
			return err
		}
		profiles, folders := a.store.Counts()
		fmt.Printf("Exported %d connections and %d folders to %s\n", profiles, folders, opts.exportPath)
	case opts.importPath != "":
		res, err := a.store.ImportFile(ctx, opts.importPath)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d connections (%d renamed) and %d folders (%d renamed)\n",
			res.Imported, res.Renamed, res.FoldersAdded, res.FoldersRenamed)
	case opts.list:
		listing, err := a.store.GetAll(ctx)
		if err != nil {
			return err
		}
		printTree(os.Stdout, listing)
	case opts.connect != "":
		return connectLocal(ctx, a, opts.connect)
	case opts.deployKey != "":
		return deployKey(ctx, a, opts.deployKey)
	}
	return nil
}

// deployKey installs a fresh key on a profile's host and stores it on the
// profile in place of the password.
func deployKey(ctx context.Context, a *app, ref string) error {
	p, err := findProfile(ctx, a.store, ref)
	if err != nil {
		return err
	}
	cfg := sshterminal.Config{
		Host:       p.Host,
		Port:       p.Port,
		Username:   p.Username,
		Password:   p.Password,
		PrivateKey: p.PrivateKey,
		Passphrase: p.Passphrase,
	}
	kp, err := sshkeys.Deploy(ctx, a.sessions, cfg, sshkeys.DeployOptions{Comment: "sshdeck-" + p.Name, Log: a.log})
	if aerr := a.auditor.LogKeyDeploy(p.ID, cfg, kp.Fingerprint, "cli", err); aerr != nil {
		a.log.Warn("audit key deploy", zap.Error(aerr))
	}
	if err != nil {
		return err
	}
	p.Password, p.PrivateKey, p.Passphrase = "", kp.PrivateKey, ""
	if _, err := a.store.SaveProfile(ctx, p); err != nil {
		return fmt.Errorf("key deployed (%s) but the profile was not updated: %w", kp.Fingerprint, err)
	}
	fmt.Printf("Deployed %s to %s@%s; %s now uses it\n", kp.Fingerprint, p.Username, p.Host, p.Name)
	return nil
}

// printTree writes folders depth-first with their connections indented
// beneath them; connections at the root come last.
func printTree(w io.Writer, listing tree.Listing) {
	byFolder := make(map[string][]tree.Profile)
	for _, p := range listing.Connections {
		key := ""
		if p.FolderID != nil {
			key = *p.FolderID
		}
		byFolder[key] = append(byFolder[key], p)
	}
	for _, ps := range byFolder {
		sort.Slice(ps, func(i, j int) bool {
			if ps[i].Order != ps[j].Order {
				return ps[i].Order < ps[j].Order
			}
			return ps[i].Name < ps[j].Name
		})
	}

	var roots []tree.Folder
	for _, f := range listing.Tree.Folders {
		if f.ParentID == nil {
			roots = append(roots, f)
		}
	}
	sortFolders(roots)

	var walk func(f tree.Folder, depth int)
	walk = func(f tree.Folder, depth int) {
		indent := strings.Repeat("  ", depth)
		fmt.Fprintf(w, "%s%s/\n", indent, f.Name)
		children := make([]tree.Folder, 0, len(f.Children))
		for _, id := range f.Children {
			if c, ok := listing.Tree.Folders[id]; ok {
				children = append(children, c)
			}
		}
		sortFolders(children)
		for _, c := range children {
			walk(c, depth+1)
		}
		for _, p := range byFolder[f.ID] {
			fmt.Fprintf(w, "%s  %s\n", indent, profileLine(p))
		}
	}
	for _, f := range roots {
		walk(f, 0)
	}
	for _, p := range byFolder[""] {
		fmt.Fprintln(w, profileLine(p))
	}
}

func sortFolders(fs []tree.Folder) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].Order != fs[j].Order {
			return fs[i].Order < fs[j].Order
		}
		return fs[i].Name < fs[j].Name
	})
}

func profileLine(p tree.Profile) string {
	target := p.Host
	if p.Username != "" {
		target = p.Username + "@" + p.Host
	}
	return fmt.Sprintf("%s  %s:%d  [%s]", p.Name, target, p.Port, p.ID)
}

// findProfile resolves ref as a profile id first, then as an exact name.
func findProfile(ctx context.Context, store *tree.Store, ref string) (tree.Profile, error) {
	if p, err := store.Profile(ctx, ref); err == nil {
		return p, nil
	}
	matches, err := store.Search(ctx, ref)
	if err != nil {
		return tree.Profile{}, err
	}
	var found []tree.Profile
	for _, p := range matches {
		if strings.EqualFold(p.Name, ref) {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return tree.Profile{}, &tree.NotFoundError{Kind: tree.ItemConnection, ID: ref}
	case 1:
		return found[0], nil
	}
	return tree.Profile{}, fmt.Errorf("%d connections are named %q; use the id", len(found), ref)
}

func connectLocal(ctx context.Context, a *app, ref string) error {
	p, err := findProfile(ctx, a.store, ref)
	if err != nil {
		return err
	}
	fd := int(os.Stdin.Fd())
	if !attach.IsTerminal(fd) {
		return fmt.Errorf("stdin is not a terminal")
	}
	cols, rows, err := attach.TerminalSize(fd)()
	if err != nil {
		cols, rows = sshterminal.DefaultCols, sshterminal.DefaultRows
	}

	id := uuid.NewString()
	err = a.sessions.Connect(ctx, id, sshterminal.Config{
		Host:       p.Host,
		Port:       p.Port,
		Username:   p.Username,
		Password:   p.Password,
		PrivateKey: p.PrivateKey,
		Passphrase: p.Passphrase,
		Cols:       min(cols, sshterminal.MaxTermCols),
		Rows:       min(rows, sshterminal.MaxTermRows),
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", p.Name, err)
	}
	fmt.Fprintf(os.Stderr, "Connected to %s. Press Ctrl-] to detach.\r\n", p.Name)

	restore, err := attach.MakeRaw(fd)
	if err != nil {
		a.sessions.Disconnect(id)
		return err
	}
	res, err := attach.Run(ctx, a.sessions, a.hub, id, os.Stdin, os.Stdout, attach.Options{
		Escape: attach.DefaultEscape,
		Replay: true,
		Size:   attach.TerminalSize(fd),
	})
	restore()
	if res.Detached || err != nil {
		a.sessions.Disconnect(id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "\r\nConnection to %s closed (%s).\n", p.Name, res.Reason)
	return nil
}
