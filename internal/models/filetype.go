package models

import (
	"path"
	"strings"
)

type FileType string

const (
	FileTypeImage        FileType = "image"
	FileTypeVideo        FileType = "video"
	FileTypeAudio        FileType = "audio"
	FileTypeDocument     FileType = "document"
	FileTypeSpreadsheet  FileType = "spreadsheet"
	FileTypePresentation FileType = "presentation"
	FileTypeArchive      FileType = "archive"
	FileTypeCode         FileType = "code"
	FileTypeExecutable   FileType = "executable"
	FileTypeOther        FileType = "other"
)

var fileTypes = map[FileType][]string{
	FileTypeImage:        {"jpg", "jpeg", "png", "gif", "bmp", "webp", "svg", "ico"},
	FileTypeVideo:        {"mp4", "avi", "mov", "wmv", "flv", "webm", "mkv", "m4v"},
	FileTypeAudio:        {"mp3", "wav", "flac", "aac", "ogg", "wma", "m4a"},
	FileTypeDocument:     {"pdf", "doc", "docx", "txt", "rtf", "odt"},
	FileTypeSpreadsheet:  {"xls", "xlsx", "csv", "ods"},
	FileTypePresentation: {"ppt", "pptx", "odp"},
	FileTypeArchive:      {"zip", "rar", "7z", "tar", "gz", "bz2"},
	FileTypeCode:         {"py", "js", "html", "css", "php", "java", "cpp", "c", "h"},
	FileTypeExecutable:   {"exe", "msi", "dmg", "pkg", "deb", "rpm"},
}

var extToFileType = func() map[string]FileType {
	m := make(map[string]FileType)
	for ft, exts := range fileTypes {
		for _, ext := range exts {
			m[ext] = ft
		}
	}
	return m
}()

func FileTypeOf(filename string) FileType {
	if ft, ok := extToFileType[ext(filename)]; ok {
		return ft
	}
	return FileTypeOther
}

// PreviewKind selects how the inline view renders a file.
type PreviewKind string

const (
	PreviewPDF    PreviewKind = "pdf"
	PreviewImage  PreviewKind = "image"
	PreviewText   PreviewKind = "text"
	PreviewOffice PreviewKind = "office"
	PreviewNone   PreviewKind = "none"
)

var (
	OfficeExtensions = []string{"doc", "docx", "xls", "xlsx", "ppt", "pptx", "odt", "ods", "odp"}
	ImageExtensions  = []string{"png", "jpg", "jpeg", "gif", "bmp", "webp", "svg", "ico"}
	TextExtensions   = []string{"txt", "csv", "log", "md", "json", "xml", "html", "css", "js", "py", "php", "java", "cpp", "c", "h"}
)

var extToPreview = func() map[string]PreviewKind {
	m := map[string]PreviewKind{"pdf": PreviewPDF}
	for _, e := range OfficeExtensions {
		m[e] = PreviewOffice
	}
	for _, e := range ImageExtensions {
		m[e] = PreviewImage
	}
	for _, e := range TextExtensions {
		m[e] = PreviewText
	}
	return m
}()

func PreviewKindOf(filename string) PreviewKind {
	if k, ok := extToPreview[ext(filename)]; ok {
		return k
	}
	return PreviewNone
}

func ext(filename string) string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
}
