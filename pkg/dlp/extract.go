package dlp

// TextExtractor pulls plain text out of structured document formats.
// Extraction is an external collaborator: bytes in, plain text out, or
// failure. A failed extraction never aborts the overall scan; it only
// suppresses that file's text-based detection.
type TextExtractor interface {
	// ExtractText returns the plain text of a document given its raw
	// bytes and declared type (a lowercase extension such as "pdf").
	// An empty result with nil error means the document carried no
	// extractable text.
	ExtractText(data []byte, docType string) (string, error)
}

// documentExtensions are formats routed through the text extractor
// before content scanning.
var documentExtensions = map[string]bool{
	"pdf":  true,
	"doc":  true,
	"docx": true,
	"xls":  true,
	"xlsx": true,
	"ppt":  true,
	"pptx": true,
	"odt":  true,
	"ods":  true,
	"rtf":  true,
}

// IsDocumentType reports whether the extension names a recognized
// document format.
func IsDocumentType(ext string) bool {
	return documentExtensions[ext]
}
