// Package web renders the minimal HTML pages of the service.
package web

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"dropcode-go/internal/models"

	"github.com/a-h/templ"
	"github.com/dustin/go-humanize"
)

var esc = templ.EscapeString

// page wraps body in the shared document skeleton.
func page(title string, body func(w io.Writer) error) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := fmt.Fprintf(w, `<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`+
			`<meta name="viewport" content="width=device-width, initial-scale=1">`+
			`<title>%s · dropcode</title></head><body><main>`, esc(title)); err != nil {
			return err
		}
		if err := body(w); err != nil {
			return err
		}
		_, err := io.WriteString(w, `</main></body></html>`)
		return err
	})
}

type HomeData struct {
	Stats   *models.FileStats
	Recent  []*models.FileRecord
	MaxSize int64
	Now     time.Time
}

func HomePage(d HomeData) templ.Component {
	return page("Share a file", func(w io.Writer) error {
		fmt.Fprintf(w, `<h1>Share a file</h1>`+
			`<form method="post" action="/" enctype="multipart/form-data">`+
			`<input type="file" name="file" required>`+
			`<input type="text" name="custom_code" placeholder="Custom code (optional)">`+
			`<input type="password" name="password" placeholder="Password (optional)">`+
			`<button type="submit">Upload</button>`+
			`<p>Up to %s. Files expire after 24 hours.</p></form>`,
			esc(humanize.IBytes(uint64(d.MaxSize))))

		if d.Stats != nil {
			fmt.Fprintf(w, `<section id="stats"><p>%s files shared, %s downloads, %s active.</p></section>`,
				humanize.Comma(d.Stats.TotalFiles),
				humanize.Comma(d.Stats.TotalDownloads),
				humanize.Comma(d.Stats.ActiveFiles))
		}

		if len(d.Recent) > 0 {
			io.WriteString(w, `<section id="recent"><h2>Your recent files</h2><ul>`)
			for _, rec := range d.Recent {
				fmt.Fprintf(w, `<li><a href="/%s/detail">%s</a> %s, expires %s</li>`,
					url.PathEscape(rec.Code), esc(rec.Filename),
					esc(humanize.IBytes(uint64(rec.SizeBytes))),
					esc(humanize.RelTime(d.Now, rec.ExpiresAt, "ago", "from now")))
			}
			io.WriteString(w, `</ul></section>`)
		}
		return nil
	})
}

type UploadView struct {
	Code       string
	URL        string
	Filename   string
	Size       int64
	Protected  bool
	Compressed bool
}

func UploadSuccess(v UploadView) templ.Component {
	return page("Uploaded", func(w io.Writer) error {
		fmt.Fprintf(w, `<h1>%s</h1><p>Your code is <strong id="code">%s</strong></p>`+
			`<p><a href="%s">%s</a></p><img src="/%s/qr" alt="QR code" width="256" height="256">`,
			esc(v.Filename), esc(v.Code), esc(v.URL), esc(v.URL), url.PathEscape(v.Code))
		if v.Protected {
			io.WriteString(w, `<p>Password protected.</p>`)
		}
		if v.Compressed {
			io.WriteString(w, `<p>The PDF was compressed for faster downloads.</p>`)
		}
		return nil
	})
}

type DetailView struct {
	Record               *models.FileRecord
	URL                  string
	Now                  time.Time
	Owner                bool
	LibreOfficeAvailable bool
}

func FileDetail(v DetailView) templ.Component {
	rec := v.Record
	return page(rec.Filename, func(w io.Writer) error {
		code := url.PathEscape(rec.Code)
		fmt.Fprintf(w, `<h1>%s</h1><dl>`+
			`<dt>Code</dt><dd id="code">%s</dd>`+
			`<dt>Size</dt><dd>%s</dd>`+
			`<dt>Type</dt><dd>%s</dd>`+
			`<dt>Downloads</dt><dd>%d</dd>`,
			esc(rec.Filename), esc(rec.Code),
			esc(humanize.IBytes(uint64(rec.SizeBytes))),
			esc(string(rec.FileType())), rec.DownloadCount)

		if rec.HasCompressedVariant() {
			fmt.Fprintf(w, `<dt>Compressed</dt><dd>%s (%.0f%% smaller)</dd>`,
				esc(humanize.IBytes(uint64(*rec.CompressedSize))), rec.CompressionRatio())
		}
		if rec.IsPermanent {
			io.WriteString(w, `<dt>Expires</dt><dd>never</dd>`)
		} else {
			fmt.Fprintf(w, `<dt>Expires</dt><dd>%s</dd>`,
				esc(humanize.RelTime(v.Now, rec.ExpiresAt, "ago", "from now")))
		}
		io.WriteString(w, `</dl>`)

		fmt.Fprintf(w, `<p><a id="download" href="/%s/download">Download</a>`, code)
		if viewable(rec, v.LibreOfficeAvailable) {
			fmt.Fprintf(w, ` <a id="view" href="/%s/view">View</a>`, code)
		}
		fmt.Fprintf(w, `</p><img src="/%s/qr" alt="QR code" width="256" height="256"><p>%s</p>`, code, esc(v.URL))

		if v.Owner {
			fmt.Fprintf(w, `<form id="edit" method="post" action="/%s/edit">`+
				`<input type="text" name="new_code" placeholder="New code">`+
				`<label><input type="checkbox" name="regenerate_code" value="1"> New random code</label>`+
				`<input type="password" name="password" placeholder="New password">`+
				`<label><input type="checkbox" name="remove_password" value="1"> Remove password</label>`+
				`<input type="number" name="expires_in_hours" min="1" max="720" placeholder="Expire in hours">`+
				`<button type="submit">Save</button></form>`+
				`<form id="delete" method="post" action="/%s/delete"><button type="submit">Delete</button></form>`,
				code, code)
		}
		return nil
	})
}

func viewable(rec *models.FileRecord, officeAvailable bool) bool {
	switch rec.PreviewKind() {
	case models.PreviewNone:
		return false
	case models.PreviewOffice:
		return officeAvailable
	default:
		return true
	}
}

// PasswordPrompt asks for the password of a protected file. next is the
// path the form posts back to.
func PasswordPrompt(code, next string, failed bool) templ.Component {
	return page("Password required", func(w io.Writer) error {
		fmt.Fprintf(w, `<h1>Password required</h1><p>File <strong>%s</strong> is protected.</p>`, esc(code))
		if failed {
			io.WriteString(w, `<p id="error" role="alert">Wrong password.</p>`)
		}
		fmt.Fprintf(w, `<form method="post" action="%s">`+
			`<input type="password" name="password" autofocus required>`+
			`<button type="submit">Unlock</button></form>`, esc(next))
		return nil
	})
}

func NotFound(code string) templ.Component {
	return page("Not found", func(w io.Writer) error {
		if code == "" {
			_, err := io.WriteString(w, `<h1>Not found</h1><p><a href="/">Share a file</a></p>`)
			return err
		}
		_, err := fmt.Fprintf(w, `<h1>Not found</h1><p>No file with code <strong>%s</strong>. It may have expired or been deleted.</p>`+
			`<p><a href="/">Share a file</a></p>`, esc(code))
		return err
	})
}

func ErrorPage(status int, message string) templ.Component {
	return page("Error", func(w io.Writer) error {
		_, err := fmt.Fprintf(w, `<h1>%d</h1><p>%s</p><p><a href="/">Home</a></p>`, status, esc(message))
		return err
	})
}
