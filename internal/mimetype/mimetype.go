// Package mimetype is the MIME-type lookup table the core treats as an
// external collaborator (spec.md §1). The table is grounded on
// hexinfra-gorox's staticDefaultMimeTypes, extended with the gemtext type.
package mimetype

import "strings"

// DefaultType is returned by Lookup when an extension has no known mapping.
const DefaultType = "application/octet-stream"

var table = map[string]string{
	"gmi":    "text/gemini",
	"gemini": "text/gemini",
	"txt":    "text/plain",
	"md":     "text/markdown",
	"html":   "text/html",
	"htm":    "text/html",
	"css":    "text/css",
	"js":     "application/javascript",
	"json":   "application/json",
	"xml":    "text/xml",
	"atom":   "application/atom+xml",
	"rss":    "application/rss+xml",
	"7z":     "application/x-7z-compressed",
	"bin":    "application/octet-stream",
	"bmp":    "image/x-ms-bmp",
	"deb":    "application/octet-stream",
	"dll":    "application/octet-stream",
	"doc":    "application/msword",
	"dmg":    "application/octet-stream",
	"exe":    "application/octet-stream",
	"flv":    "video/x-flv",
	"gif":    "image/gif",
	"ico":    "image/x-icon",
	"img":    "application/octet-stream",
	"iso":    "application/octet-stream",
	"jar":    "application/java-archive",
	"jpg":    "image/jpeg",
	"jpeg":   "image/jpeg",
	"m4a":    "audio/x-m4a",
	"mov":    "video/quicktime",
	"mp3":    "audio/mpeg",
	"mp4":    "video/mp4",
	"mpeg":   "video/mpeg",
	"mpg":    "video/mpeg",
	"pdf":    "application/pdf",
	"png":    "image/png",
	"ppt":    "application/vnd.ms-powerpoint",
	"ps":     "application/postscript",
	"rar":    "application/x-rar-compressed",
	"rtf":    "application/rtf",
	"svg":    "image/svg+xml",
	"war":    "application/java-archive",
	"webm":   "video/webm",
	"webp":   "image/webp",
	"xls":    "application/vnd.ms-excel",
	"zip":    "application/zip",
}

// Lookup returns the MIME type for filePath based on its extension,
// falling back to DefaultType.
func Lookup(filePath string) string {
	ext := extOf(filePath)
	if mt, ok := table[ext]; ok {
		return mt
	}
	return DefaultType
}

func extOf(filePath string) string {
	i := strings.LastIndexByte(filePath, '.')
	if i < 0 {
		return ""
	}
	slash := strings.LastIndexAny(filePath, `/\`)
	if slash > i {
		return ""
	}
	return strings.ToLower(filePath[i+1:])
}

// Merge overlays extra on top of a copy of the default table and returns
// it, for handler configs that add or override MIME types.
func Merge(extra map[string]string) map[string]string {
	merged := make(map[string]string, len(table)+len(extra))
	for k, v := range table {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
