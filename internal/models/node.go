// Package models contains the file-system node types shared by the store,
// engine and API layers.
package models

import "time"

// NodeType distinguishes files from folders.
type NodeType string

const (
	TypeFile   NodeType = "file"
	TypeFolder NodeType = "folder"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	return t == TypeFile || t == TypeFolder
}

// Permissions is the stored read/write/execute triple. It is informational
// except for Write (checked on content updates) and Read (checked on content reads).
type Permissions struct {
	Read    bool `json:"read" bson:"read"`
	Write   bool `json:"write" bson:"write"`
	Execute bool `json:"execute" bson:"execute"`
}

// DefaultPermissions returns the permissions a new node of type t starts with.
func DefaultPermissions(t NodeType) Permissions {
	if t == TypeFolder {
		return Permissions{Read: true, Write: true, Execute: true}
	}
	return Permissions{Read: true, Write: true}
}

// Metadata holds node timestamps and the hidden flag.
type Metadata struct {
	Created  time.Time `json:"created" bson:"created"`
	Modified time.Time `json:"modified" bson:"modified"`
	Accessed time.Time `json:"accessed" bson:"accessed"`
	Hidden   bool      `json:"hidden" bson:"hidden"`
}

// Node is one file or folder owned by a single user.
type Node struct {
	ID          string      `json:"id" bson:"_id"`
	Owner       string      `json:"owner" bson:"owner"`
	Type        NodeType    `json:"type" bson:"type"`
	Name        string      `json:"name" bson:"name"`
	Path        string      `json:"path" bson:"path"`
	Parent      *string     `json:"parent" bson:"parent"`
	Children    []string    `json:"children,omitempty" bson:"children"`
	Content     string      `json:"content,omitempty" bson:"content"`
	MimeType    string      `json:"mimeType,omitempty" bson:"mime_type"`
	Size        int64       `json:"size" bson:"size"`
	Permissions Permissions `json:"permissions" bson:"permissions"`
	Metadata    Metadata    `json:"metadata" bson:"metadata"`
}

// IsFolder reports whether n is a folder.
func (n *Node) IsFolder() bool {
	return n.Type == TypeFolder
}

// ParentID returns the parent id, or "" for top-level nodes.
func (n *Node) ParentID() string {
	if n.Parent == nil {
		return ""
	}
	return *n.Parent
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Parent != nil {
		p := *n.Parent
		c.Parent = &p
	}
	if n.Children != nil {
		c.Children = append([]string{}, n.Children...)
	}
	return &c
}

// NodeSummary is the node shape returned by mutations and listings. It omits
// file content.
type NodeSummary struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Type        NodeType    `json:"type"`
	Path        string      `json:"path"`
	Parent      *string     `json:"parent"`
	Extension   string      `json:"extension,omitempty"`
	Size        int64       `json:"size"`
	MimeType    string      `json:"mimeType,omitempty"`
	ChildCount  int         `json:"childCount,omitempty"`
	Permissions Permissions `json:"permissions"`
	Metadata    Metadata    `json:"metadata"`
}

// NodeView is one entry of a tree listing. Children holds child paths.
type NodeView struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Type        NodeType    `json:"type"`
	Path        string      `json:"path"`
	Content     string      `json:"content,omitempty"`
	Extension   string      `json:"extension,omitempty"`
	Size        int64       `json:"size"`
	MimeType    string      `json:"mimeType,omitempty"`
	Permissions Permissions `json:"permissions"`
	Metadata    Metadata    `json:"metadata"`
	Children    []string    `json:"children"`
}

// FileContent is the result of reading a file.
type FileContent struct {
	Path     string    `json:"path"`
	Content  string    `json:"content"`
	Size     int64     `json:"size"`
	MimeType string    `json:"mimeType"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
	Accessed time.Time `json:"accessed"`
}
