package tree

import "strings"

// DefaultMimeType is used for unknown extensions and extensionless names.
const DefaultMimeType = "text/plain"

var mimeTypes = map[string]string{
	"txt":   "text/plain",
	"js":    "application/javascript",
	"jsx":   "application/javascript",
	"ts":    "application/typescript",
	"tsx":   "application/typescript",
	"html":  "text/html",
	"css":   "text/css",
	"json":  "application/json",
	"md":    "text/markdown",
	"py":    "text/x-python",
	"java":  "text/x-java",
	"cpp":   "text/x-c++src",
	"c":     "text/x-csrc",
	"php":   "text/x-php",
	"rb":    "text/x-ruby",
	"go":    "text/x-go",
	"rs":    "text/x-rust",
	"swift": "text/x-swift",
	"kt":    "text/x-kotlin",
	"sql":   "application/sql",
	"xml":   "application/xml",
	"yaml":  "application/x-yaml",
	"yml":   "application/x-yaml",
}

// Extension returns the lower-cased extension of name without the dot, or ""
// when name has none. Leading-dot names such as ".bashrc" have no extension.
func Extension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}

// MimeType infers a MIME type from the extension of name.
func MimeType(name string) string {
	if mt, ok := mimeTypes[Extension(name)]; ok {
		return mt
	}
	return DefaultMimeType
}
