// Package envelope builds the per-build response body shared by the query
// endpoint and the result callback.
package envelope

import "git.home.luguber.info/inful/apkbuilder/internal/store"

// Envelope is the JSON body describing one build's outcome.
type Envelope struct {
	Status       int32  `json:"status"`
	Msg          string `json:"msg"`
	Detail       string `json:"detail,omitempty"`
	DownloadPath string `json:"downloadPath,omitempty"`
}

// For renders the envelope for a stored job. Success points at the package
// download route; failure carries the error detail.
func For(job *store.Job) Envelope {
	e := Envelope{Status: job.Code, Msg: job.Msg}
	switch {
	case job.Success():
		e.Msg = store.MsgSuccess
		e.DownloadPath = "/app/package/" + job.BuildID + ".apk"
	case job.Code == store.CodeFailed:
		e.Msg = store.MsgFailed
		e.Detail = job.Status.Msg
	}
	return e
}

// Illegal is the response for an unknown build id.
func Illegal() Envelope {
	return Envelope{Status: store.CodeIllegal, Msg: store.MsgIllegal}
}
