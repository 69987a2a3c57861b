package tree

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/sshdeck/internal/crypto"
	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Snapshot is the persisted form of the store. Credentials are encoded.
type Snapshot struct {
	Profiles []Profile
	Folders  []Folder
}

// Repository persists the store. Apply must commit a changeset atomically.
type Repository interface {
	Load(ctx context.Context) (Snapshot, error)
	Apply(ctx context.Context, changes Changeset) error
}

// Store owns profiles and folders. Writers are serialized and work on a
// private copy that is validated, persisted, then published; readers always
// see a complete published arena.
type Store struct {
	mu     sync.Mutex
	state  atomic.Pointer[arena]
	repo   Repository
	codec  crypto.Codec
	bundle crypto.Codec
	log    *zap.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// NewStore loads the persisted tree from repo. codec protects credentials at rest.
func NewStore(ctx context.Context, repo Repository, codec crypto.Codec, opts ...Option) (*Store, error) {
	s := &Store{
		repo:   repo,
		codec:  codec,
		bundle: crypto.LegacyCodec{},
		log:    zap.NewNop(),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(s)
	}

	snap, err := repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tree: %w", err)
	}
	a := newArena()
	for i := range snap.Profiles {
		p := snap.Profiles[i]
		a.profiles[p.ID] = &p
	}
	for i := range snap.Folders {
		f := snap.Folders[i]
		f.Children = nil
		a.folders[f.ID] = &f
	}
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("load tree: %w", err)
	}
	s.state.Store(a)
	s.log.Info("tree loaded", zap.Int("profiles", len(a.profiles)), zap.Int("folders", len(a.folders)))
	return s, nil
}

// mutate is the single write path: fn edits a private copy, the copy is
// validated and persisted, and only then published.
func (s *Store) mutate(ctx context.Context, op string, fn func(a *arena) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load()
	next := cur.clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := next.validate(); err != nil {
		return err
	}
	changes := cur.diff(next)
	if !changes.Empty() {
		if err := s.repo.Apply(ctx, changes); err != nil {
			s.log.Error("persist failed", zap.String("op", op), zap.Error(err))
			return fmt.Errorf("%s: persist: %w", op, err)
		}
	}
	s.state.Store(next)
	return nil
}

func (s *Store) view() *arena {
	return s.state.Load()
}

// SaveProfile inserts a profile (when p.ID is empty or unknown) or updates an
// existing one. Credentials are encoded before they reach the arena. When an
// update carries no credential the stored one is kept.
func (s *Store) SaveProfile(ctx context.Context, in Profile) (Profile, error) {
	if strings.TrimSpace(in.Name) == "" {
		return Profile{}, &ValidationError{Field: "name", Reason: "is required"}
	}
	if strings.TrimSpace(in.Host) == "" {
		return Profile{}, &ValidationError{Field: "host", Reason: "is required"}
	}
	if in.Port == 0 {
		in.Port = DefaultPort
	}
	if in.Port < 0 || in.Port > 65535 {
		return Profile{}, &ValidationError{Field: "port", Reason: fmt.Sprintf("%d is out of range", in.Port)}
	}
	in.FolderID = normalizeParent(in.FolderID)

	var saved Profile
	err := s.mutate(ctx, "save profile", func(a *arena) error {
		now := s.now()
		p := in
		existing, exists := a.profiles[p.ID]

		switch {
		case p.ID == "":
			p.ID = s.newID()
			p.Order = a.siblingCount(p.FolderID)
		case !exists:
			p.Order = a.siblingCount(p.FolderID)
		case exists && sameParent(existing.FolderID, p.FolderID):
			p.Order = existing.Order
		case exists:
			p.Order = a.siblingCount(p.FolderID)
		}

		if exists && p.Password == "" && p.PrivateKey == "" {
			p.Password, p.PrivateKey, p.Passphrase = existing.Password, existing.PrivateKey, existing.Passphrase
			p.Encrypted = existing.Encrypted
		} else {
			if err := s.encodeCredentials(&p); err != nil {
				return err
			}
		}

		if p.CreatedAt.IsZero() {
			if exists {
				p.CreatedAt = existing.CreatedAt
			} else {
				p.CreatedAt = now
			}
		}
		p.UpdatedAt = now
		a.profiles[p.ID] = &p
		saved = p
		return nil
	})
	if err != nil {
		return Profile{}, err
	}
	s.log.Debug("profile saved", zap.String("id", saved.ID), zap.String("name", logging.Sanitize(saved.Name)))
	return s.decoded(saved), nil
}

// encodeCredentials keeps only the credential matching the chosen auth
// method and runs it through the at-rest codec.
func (s *Store) encodeCredentials(p *Profile) error {
	if p.Password != "" {
		p.PrivateKey, p.Passphrase = "", ""
	}
	var err error
	if p.Password, err = s.codec.Encode(p.Password); err != nil {
		return fmt.Errorf("encode password: %w", err)
	}
	if p.PrivateKey, err = s.codec.Encode(p.PrivateKey); err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	if p.Passphrase, err = s.codec.Encode(p.Passphrase); err != nil {
		return fmt.Errorf("encode passphrase: %w", err)
	}
	p.Encrypted = true
	return nil
}

// decoded returns a copy of p with credentials in clear form. A credential
// that fails to decode is dropped rather than returned encoded.
func (s *Store) decoded(p Profile) Profile {
	if !p.Encrypted {
		return p
	}
	fields := []*string{&p.Password, &p.PrivateKey, &p.Passphrase}
	for _, f := range fields {
		v, err := s.codec.Decode(*f)
		if err != nil {
			s.log.Warn("credential decode failed", zap.String("id", p.ID), zap.Error(err))
			v = ""
		}
		*f = v
	}
	p.Encrypted = false
	return p
}

// DeleteProfile removes a profile.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	return s.mutate(ctx, "delete profile", func(a *arena) error {
		if _, ok := a.profiles[id]; !ok {
			return &NotFoundError{Kind: ItemConnection, ID: id}
		}
		delete(a.profiles, id)
		return nil
	})
}

// Profile returns one profile with decoded credentials.
func (s *Store) Profile(ctx context.Context, id string) (Profile, error) {
	p, ok := s.view().profiles[id]
	if !ok {
		return Profile{}, &NotFoundError{Kind: ItemConnection, ID: id}
	}
	return s.decoded(*p), nil
}

// GetAll returns every profile with decoded credentials and the full tree.
func (s *Store) GetAll(ctx context.Context) (Listing, error) {
	a := s.view()
	out := Listing{
		Connections: make(map[string]Profile, len(a.profiles)),
		Tree:        a.structure(),
	}
	for id, p := range a.profiles {
		out.Connections[id] = s.decoded(*p)
	}
	return out, nil
}

// CreateFolder adds a folder as the last sibling under in.ParentID.
func (s *Store) CreateFolder(ctx context.Context, in Folder) (Folder, error) {
	if strings.TrimSpace(in.Name) == "" {
		return Folder{}, &ValidationError{Field: "name", Reason: "is required"}
	}
	in.ParentID = normalizeParent(in.ParentID)

	var created Folder
	err := s.mutate(ctx, "create folder", func(a *arena) error {
		f := Folder{
			ID:        in.ID,
			Name:      in.Name,
			ParentID:  in.ParentID,
			Order:     a.siblingCount(in.ParentID),
			CreatedAt: s.now(),
		}
		if f.ID == "" {
			f.ID = s.newID()
		} else if _, dup := a.folders[f.ID]; dup {
			return &ValidationError{Field: "id", Reason: fmt.Sprintf("%q already exists", f.ID)}
		}
		a.folders[f.ID] = &f
		created = f
		return nil
	})
	if err != nil {
		return Folder{}, err
	}
	created.Children = []string{}
	return created, nil
}

// DeleteFolder removes a folder and promotes its child folders and
// connections to the deleted folder's parent.
func (s *Store) DeleteFolder(ctx context.Context, id string) error {
	return s.mutate(ctx, "delete folder", func(a *arena) error {
		f, ok := a.folders[id]
		if !ok {
			return &NotFoundError{Kind: ItemFolder, ID: id}
		}
		parent := f.ParentID
		for _, child := range a.folders {
			if child.ParentID != nil && *child.ParentID == id {
				child.ParentID = parent
			}
		}
		for _, p := range a.profiles {
			if p.FolderID != nil && *p.FolderID == id {
				p.FolderID = parent
			}
		}
		delete(a.folders, id)
		return nil
	})
}

// ReparentFolder moves folderID under parentID (nil for root) as its last
// sibling. Moving a folder under itself or one of its descendants fails
// with ErrCycle.
func (s *Store) ReparentFolder(ctx context.Context, folderID string, parentID *string) error {
	parentID = normalizeParent(parentID)
	return s.mutate(ctx, "reparent folder", func(a *arena) error {
		f, ok := a.folders[folderID]
		if !ok {
			return &NotFoundError{Kind: ItemFolder, ID: folderID}
		}
		if err := a.checkFolderParent(folderID, parentID); err != nil {
			return err
		}
		if sameParent(f.ParentID, parentID) {
			return nil
		}
		f.Order = a.siblingCount(parentID)
		f.ParentID = parentID
		f.UpdatedAt = s.now()
		return nil
	})
}

func (a *arena) checkFolderParent(folderID string, parentID *string) error {
	if parentID == nil {
		return nil
	}
	if *parentID == folderID {
		return fmt.Errorf("folder %q cannot be its own parent: %w", folderID, ErrCycle)
	}
	if _, ok := a.folders[*parentID]; !ok {
		return &NotFoundError{Kind: ItemFolder, ID: *parentID}
	}
	if a.isAncestor(folderID, *parentID) {
		return fmt.Errorf("folder %q is a descendant of %q: %w", *parentID, folderID, ErrCycle)
	}
	return nil
}

// ApplyBatch applies every update or none of them.
func (s *Store) ApplyBatch(ctx context.Context, updates []Update) error {
	return s.mutate(ctx, "apply batch", func(a *arena) error {
		now := s.now()
		for i, u := range updates {
			switch u.Type {
			case ItemConnection:
				p, ok := a.profiles[u.ID]
				if !ok {
					return &NotFoundError{Kind: ItemConnection, ID: u.ID}
				}
				if u.ParentID.Set {
					parent := normalizeParent(u.ParentID.ID)
					if parent != nil {
						if _, ok := a.folders[*parent]; !ok {
							return &NotFoundError{Kind: ItemFolder, ID: *parent}
						}
					}
					if !sameParent(p.FolderID, parent) {
						if u.Order == nil {
							p.Order = a.siblingCount(parent)
						}
						p.FolderID = parent
					}
				}
				if u.Order != nil {
					p.Order = *u.Order
				}
				p.UpdatedAt = now
			case ItemFolder:
				f, ok := a.folders[u.ID]
				if !ok {
					return &NotFoundError{Kind: ItemFolder, ID: u.ID}
				}
				if u.ParentID.Set {
					parent := normalizeParent(u.ParentID.ID)
					if parent != nil {
						if *parent == u.ID {
							return fmt.Errorf("folder %q cannot be its own parent: %w", u.ID, ErrCycle)
						}
						if _, ok := a.folders[*parent]; !ok {
							return &NotFoundError{Kind: ItemFolder, ID: *parent}
						}
					}
					if !sameParent(f.ParentID, parent) {
						if u.Order == nil {
							f.Order = a.siblingCount(parent)
						}
						f.ParentID = parent
					}
				}
				if u.Order != nil {
					f.Order = *u.Order
				}
				f.UpdatedAt = now
			default:
				return &ValidationError{Field: fmt.Sprintf("updates[%d].type", i), Reason: fmt.Sprintf("unknown type %q", u.Type)}
			}
		}
		return nil
	})
}

// ReplaceTree replaces the folder set and re-places connections listed in
// st.Items. Connections left pointing at a removed folder move to the root.
func (s *Store) ReplaceTree(ctx context.Context, st Structure) error {
	return s.mutate(ctx, "replace tree", func(a *arena) error {
		now := s.now()
		a.folders = make(map[string]*Folder, len(st.Folders))
		for id, f := range st.Folders {
			nf := f
			nf.ID = id
			nf.Children = nil
			nf.ParentID = normalizeParent(f.ParentID)
			if nf.CreatedAt.IsZero() {
				nf.CreatedAt = now
			}
			a.folders[id] = &nf
		}
		for _, f := range a.folders {
			if f.ParentID != nil {
				if _, ok := a.folders[*f.ParentID]; !ok {
					f.ParentID = nil
				}
			}
		}
		for _, it := range st.Items {
			if it.Type != "" && it.Type != ItemConnection {
				continue
			}
			if p, ok := a.profiles[it.ID]; ok {
				p.FolderID = normalizeParent(it.FolderID)
			}
		}
		for _, p := range a.profiles {
			if p.FolderID != nil {
				if _, ok := a.folders[*p.FolderID]; !ok {
					p.FolderID = nil
				}
			}
		}
		return nil
	})
}

// ImportMerge adds the bundle's folders and profiles without overwriting
// anything. Any incoming id that collides with an existing one is replaced
// by a fresh id and references inside the bundle follow the rename.
func (s *Store) ImportMerge(ctx context.Context, b Bundle) (ImportResult, error) {
	if b.Connections == nil {
		return ImportResult{}, &FormatError{Reason: "missing connections"}
	}
	var res ImportResult
	err := s.mutate(ctx, "import", func(a *arena) error {
		res = ImportResult{}
		now := s.now()

		var incoming Structure
		if b.TreeStructure != nil {
			incoming = *b.TreeStructure
		}

		renamed := make(map[string]string, len(incoming.Folders))
		for _, id := range sortedKeys(incoming.Folders) {
			newID := id
			if _, taken := a.folders[id]; taken || id == "" {
				newID = s.newID()
				res.FoldersRenamed++
			}
			renamed[id] = newID
		}
		resolve := func(ref *string) *string {
			ref = normalizeParent(ref)
			if ref == nil {
				return nil
			}
			if id, ok := renamed[*ref]; ok {
				return strPtr(id)
			}
			if _, ok := a.folders[*ref]; ok {
				return ref
			}
			return nil
		}

		for _, id := range sortedKeys(incoming.Folders) {
			f := incoming.Folders[id]
			f.ID = renamed[id]
			f.Children = nil
			f.ParentID = resolve(f.ParentID)
			if f.CreatedAt.IsZero() {
				f.CreatedAt = now
			}
			a.folders[f.ID] = &f
			res.FoldersAdded++
		}

		placement := make(map[string]*string, len(incoming.Items))
		for _, it := range incoming.Items {
			if it.Type == "" || it.Type == ItemConnection {
				placement[it.ID] = it.FolderID
			}
		}

		for _, key := range sortedKeys(b.Connections) {
			p := b.Connections[key]
			srcID := p.ID
			if srcID == "" {
				srcID = key
			}
			p.ID = srcID
			if _, taken := a.profiles[p.ID]; taken || p.ID == "" {
				p.ID = s.newID()
				res.Renamed++
			}
			folder := p.FolderID
			if folder == nil {
				folder = placement[srcID]
			}
			p.FolderID = resolve(folder)
			if p.Port == 0 {
				p.Port = DefaultPort
			}
			if p.Encrypted {
				if err := s.decodeBundleCredentials(&p); err != nil {
					return &FormatError{Reason: fmt.Sprintf("connection %q", key), Err: err}
				}
			}
			if err := s.encodeCredentials(&p); err != nil {
				return err
			}
			if p.CreatedAt.IsZero() {
				p.CreatedAt = now
			}
			if p.UpdatedAt.IsZero() {
				p.UpdatedAt = now
			}
			a.profiles[p.ID] = &p
			res.Imported++
		}
		return nil
	})
	if errors.Is(err, ErrCycle) {
		return ImportResult{}, &FormatError{Reason: "folder hierarchy", Err: err}
	}
	if err != nil {
		return ImportResult{}, err
	}
	s.log.Info("bundle imported",
		zap.Int("imported", res.Imported), zap.Int("renamed", res.Renamed),
		zap.Int("folders", res.FoldersAdded), zap.Int("folders_renamed", res.FoldersRenamed))
	return res, nil
}

// decodeBundleCredentials reverses the bundle codec. Only the password is
// ever encoded in a bundle; keys and passphrases travel in clear.
func (s *Store) decodeBundleCredentials(p *Profile) error {
	if p.Password != "" {
		v, err := s.bundle.Decode(p.Password)
		if err != nil {
			return err
		}
		p.Password = v
	}
	p.Encrypted = false
	return nil
}

// ExportAll produces a bundle. A password is written with the bundle codec
// and its profile tagged as encrypted; private keys and passphrases are left
// as they are.
func (s *Store) ExportAll(ctx context.Context) (Bundle, error) {
	a := s.view()
	st := a.structure()
	b := Bundle{
		Version:       BundleVersion,
		ExportDate:    s.now(),
		Connections:   make(map[string]Profile, len(a.profiles)),
		TreeStructure: &st,
	}
	for id, sp := range a.profiles {
		p := s.decoded(*sp)
		if p.Password != "" {
			v, err := s.bundle.Encode(p.Password)
			if err != nil {
				return Bundle{}, fmt.Errorf("export %s: %w", id, err)
			}
			p.Password = v
			p.Encrypted = true
		}
		b.Connections[id] = p
	}
	return b, nil
}

// Search returns profiles where every whitespace-separated term of query
// appears in the name, host, username or description, ignoring case.
func (s *Store) Search(ctx context.Context, query string) ([]Profile, error) {
	terms := strings.Fields(strings.ToLower(query))
	a := s.view()
	results := []Profile{}
	for _, p := range a.profiles {
		text := strings.ToLower(strings.Join([]string{p.Name, p.Host, p.Username, p.Description}, " "))
		if matchesAll(text, terms) {
			results = append(results, s.decoded(*p))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Name != results[j].Name {
			return results[i].Name < results[j].Name
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

func matchesAll(text string, terms []string) bool {
	for _, t := range terms {
		if !strings.Contains(text, t) {
			return false
		}
	}
	return true
}

// Counts returns the number of stored profiles and folders.
func (s *Store) Counts() (profiles, folders int) {
	a := s.view()
	return len(a.profiles), len(a.folders)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
