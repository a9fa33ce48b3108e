package callback

import (
	"net/http"

	. "maragu.dev/gomponents"
	. "maragu.dev/gomponents/html"
)

const pageStyle = `
	body {
		font-family: Arial, sans-serif;
		max-width: 600px;
		margin: 50px auto;
		padding: 20px;
		text-align: center;
	}
	.mark { font-size: 48px; margin-bottom: 20px; }
	.ok { color: #4CAF50; }
	.failed { color: #D32F2F; }
	h1 { color: #333; }
	p { color: #666; font-size: 18px; }
`

func page(title, mark, markClass, heading, message string) Node {
	return HTML(
		Lang("en"),
		Head(
			Meta(Charset("UTF-8")),
			TitleEl(Text(title)),
			StyleEl(Raw(pageStyle)),
		),
		Body(
			Div(Class("mark "+markClass), Text(mark)),
			H1(Text(heading)),
			P(Text(message)),
		),
	)
}

func renderSuccess(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = page("Signed in", "✓", "ok", "Signed in",
		"You can close this window and return to your terminal.").Render(w)
}

func renderFailure(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = page("Sign-in failed", "✗", "failed", "Sign-in failed", message).Render(w)
}
