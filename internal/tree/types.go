package tree

import (
	"encoding/json"
	"time"
)

// ItemType distinguishes connections from folders in tree items and batch updates.
type ItemType string

const (
	ItemConnection ItemType = "connection"
	ItemFolder     ItemType = "folder"
)

// BundleVersion is written into every export.
const BundleVersion = "1.0"

// DefaultPort is assigned to profiles saved without a port.
const DefaultPort = 22

// Profile is a stored connection description. Exactly one of Password or
// PrivateKey is meaningful; Passphrase only accompanies PrivateKey.
type Profile struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Host        string    `json:"host" yaml:"host"`
	Port        int       `json:"port" yaml:"port"`
	Username    string    `json:"username" yaml:"username"`
	Password    string    `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKey  string    `json:"privateKey,omitempty" yaml:"privateKey,omitempty"`
	Passphrase  string    `json:"passphrase,omitempty" yaml:"passphrase,omitempty"`
	Encrypted   bool      `json:"encrypted,omitempty" yaml:"encrypted,omitempty"`
	FolderID    *string   `json:"folderId" yaml:"folderId"`
	Order       int       `json:"order" yaml:"order"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Folder is a grouping node. Children is derived from the ParentID of
// other folders and is only populated on read.
type Folder struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	ParentID  *string   `json:"parentId" yaml:"parentId"`
	Children  []string  `json:"children" yaml:"children"`
	Order     int       `json:"order" yaml:"order"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt,omitzero" yaml:"updatedAt,omitempty"`
}

// TreeItem records the folder membership of a connection.
type TreeItem struct {
	ID       string   `json:"id" yaml:"id"`
	Type     ItemType `json:"type" yaml:"type"`
	FolderID *string  `json:"folderId" yaml:"folderId"`
}

// Structure is the folder hierarchy plus connection placements.
type Structure struct {
	Folders map[string]Folder `json:"folders" yaml:"folders"`
	Items   []TreeItem        `json:"items" yaml:"items"`
}

// Listing is the result of GetAll.
type Listing struct {
	Connections map[string]Profile `json:"connections"`
	Tree        Structure          `json:"tree"`
}

// Bundle is the import/export file format.
type Bundle struct {
	Version       string             `json:"version" yaml:"version"`
	ExportDate    time.Time          `json:"exportDate" yaml:"exportDate"`
	Connections   map[string]Profile `json:"connections" yaml:"connections"`
	TreeStructure *Structure         `json:"treeStructure,omitempty" yaml:"treeStructure,omitempty"`
}

// ImportResult summarizes an ImportMerge.
type ImportResult struct {
	Imported       int `json:"imported"`
	Renamed        int `json:"renamed"`
	FoldersAdded   int `json:"foldersAdded"`
	FoldersRenamed int `json:"foldersRenamed"`
}

// Update is one entry of an ApplyBatch call.
type Update struct {
	ID       string    `json:"id"`
	Type     ItemType  `json:"type"`
	Order    *int      `json:"order,omitempty"`
	ParentID ParentRef `json:"parentId,omitzero"`
}

// ParentRef distinguishes an absent parentId from an explicit null (root).
type ParentRef struct {
	Set bool
	ID  *string
}

// MoveTo returns a ParentRef pointing at id, or at the root when id is empty.
func MoveTo(id string) ParentRef {
	if id == "" {
		return ParentRef{Set: true}
	}
	return ParentRef{Set: true, ID: &id}
}

func (p ParentRef) IsZero() bool { return !p.Set }

func (p ParentRef) MarshalJSON() ([]byte, error) {
	if p.ID == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*p.ID)
}

func (p *ParentRef) UnmarshalJSON(b []byte) error {
	p.Set = true
	p.ID = nil
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s != "" {
		p.ID = &s
	}
	return nil
}

func strPtr(s string) *string { return &s }

// normalizeParent maps an empty id to the root.
func normalizeParent(id *string) *string {
	if id == nil || *id == "" {
		return nil
	}
	return strPtr(*id)
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
