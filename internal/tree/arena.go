package tree

import (
	"fmt"
	"reflect"
	"sort"
)

// arena holds every profile and folder addressed by id. Parent links live
// only in Profile.FolderID and Folder.ParentID; children and tree items are
// derived on read. An arena is never mutated after it is published.
type arena struct {
	profiles map[string]*Profile
	folders  map[string]*Folder
}

func newArena() *arena {
	return &arena{
		profiles: make(map[string]*Profile),
		folders:  make(map[string]*Folder),
	}
}

func (a *arena) clone() *arena {
	c := &arena{
		profiles: make(map[string]*Profile, len(a.profiles)),
		folders:  make(map[string]*Folder, len(a.folders)),
	}
	for id, p := range a.profiles {
		cp := *p
		c.profiles[id] = &cp
	}
	for id, f := range a.folders {
		cf := *f
		cf.Children = nil
		c.folders[id] = &cf
	}
	return c
}

// siblingCount counts folders and connections placed directly under parent.
func (a *arena) siblingCount(parent *string) int {
	n := 0
	for _, p := range a.profiles {
		if sameParent(p.FolderID, parent) {
			n++
		}
	}
	for _, f := range a.folders {
		if sameParent(f.ParentID, parent) {
			n++
		}
	}
	return n
}

// childFolders returns the ids of folders whose parent is id, in sibling order.
func (a *arena) childFolders(id string) []string {
	var kids []*Folder
	for _, f := range a.folders {
		if f.ParentID != nil && *f.ParentID == id {
			kids = append(kids, f)
		}
	}
	sort.Slice(kids, func(i, j int) bool {
		if kids[i].Order != kids[j].Order {
			return kids[i].Order < kids[j].Order
		}
		if !kids[i].CreatedAt.Equal(kids[j].CreatedAt) {
			return kids[i].CreatedAt.Before(kids[j].CreatedAt)
		}
		return kids[i].ID < kids[j].ID
	})
	ids := make([]string, len(kids))
	for i, f := range kids {
		ids[i] = f.ID
	}
	return ids
}

// isAncestor reports whether ancestor appears on the parent chain of id.
func (a *arena) isAncestor(ancestor, id string) bool {
	seen := make(map[string]bool)
	cur := id
	for {
		f, ok := a.folders[cur]
		if !ok || f.ParentID == nil || seen[cur] {
			return false
		}
		seen[cur] = true
		if *f.ParentID == ancestor {
			return true
		}
		cur = *f.ParentID
	}
}

// validate checks the structural invariants every published arena must hold.
func (a *arena) validate() error {
	for id, f := range a.folders {
		if f.ID != id {
			return fmt.Errorf("folder key %q holds id %q: %w", id, f.ID, ErrValidation)
		}
		if f.ParentID != nil && *f.ParentID == id {
			return fmt.Errorf("folder %q is its own parent: %w", id, ErrCycle)
		}
		if a.isAncestor(id, id) {
			return fmt.Errorf("folder %q is its own ancestor: %w", id, ErrCycle)
		}
	}
	for id, p := range a.profiles {
		if p.ID != id {
			return fmt.Errorf("profile key %q holds id %q: %w", id, p.ID, ErrValidation)
		}
	}
	return nil
}

// structure renders folders with derived children and one item per profile.
func (a *arena) structure() Structure {
	st := Structure{
		Folders: make(map[string]Folder, len(a.folders)),
		Items:   make([]TreeItem, 0, len(a.profiles)),
	}
	for id, f := range a.folders {
		cf := *f
		cf.Children = a.childFolders(id)
		st.Folders[id] = cf
	}
	for _, p := range a.sortedProfiles() {
		st.Items = append(st.Items, TreeItem{ID: p.ID, Type: ItemConnection, FolderID: p.FolderID})
	}
	return st
}

// sortedProfiles orders profiles by folder, then sibling order, then id.
func (a *arena) sortedProfiles() []*Profile {
	out := make([]*Profile, 0, len(a.profiles))
	for _, p := range a.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		fi, fj := folderKey(out[i].FolderID), folderKey(out[j].FolderID)
		if fi != fj {
			return fi < fj
		}
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func folderKey(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

// Changeset lists the rows a mutation touched.
type Changeset struct {
	UpsertProfiles []Profile
	DeleteProfiles []string
	UpsertFolders  []Folder
	DeleteFolders  []string
}

func (c Changeset) Empty() bool {
	return len(c.UpsertProfiles) == 0 && len(c.DeleteProfiles) == 0 &&
		len(c.UpsertFolders) == 0 && len(c.DeleteFolders) == 0
}

// diff computes the changes that turn a into next.
func (a *arena) diff(next *arena) Changeset {
	var c Changeset
	for id, p := range next.profiles {
		if old, ok := a.profiles[id]; !ok || !reflect.DeepEqual(old, p) {
			c.UpsertProfiles = append(c.UpsertProfiles, *p)
		}
	}
	for id := range a.profiles {
		if _, ok := next.profiles[id]; !ok {
			c.DeleteProfiles = append(c.DeleteProfiles, id)
		}
	}
	for id, f := range next.folders {
		if old, ok := a.folders[id]; !ok || !reflect.DeepEqual(old, f) {
			c.UpsertFolders = append(c.UpsertFolders, *f)
		}
	}
	for id := range a.folders {
		if _, ok := next.folders[id]; !ok {
			c.DeleteFolders = append(c.DeleteFolders, id)
		}
	}
	sort.Slice(c.UpsertProfiles, func(i, j int) bool { return c.UpsertProfiles[i].ID < c.UpsertProfiles[j].ID })
	sort.Slice(c.UpsertFolders, func(i, j int) bool { return c.UpsertFolders[i].ID < c.UpsertFolders[j].ID })
	sort.Strings(c.DeleteProfiles)
	sort.Strings(c.DeleteFolders)
	return c
}
