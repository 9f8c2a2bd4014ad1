// Package notify delivers build results to interested parties: the
// submitter's callback URL, the team chat robot and the submitter's mailbox.
//
// Every delivery is best-effort. A notification failure is logged and never
// fails the build that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/config"
	"git.home.luguber.info/inful/apkbuilder/internal/envelope"
	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
	"git.home.luguber.info/inful/apkbuilder/internal/store"
)

var emailPattern = regexp.MustCompile(`(?i)^[a-z0-9_+]([a-z0-9_+.]*[a-z0-9_+])?@[a-z0-9]+([\-\.][a-z0-9]+)*\.[a-z]{2,6}$`)

// ValidEmail reports whether addr is deliverable by the mail relay.
func ValidEmail(addr string) bool { return emailPattern.MatchString(addr) }

// Notifier sends result notifications for finished builds.
type Notifier struct {
	dingEnabled bool
	dingURL     string
	mailURL     string
	queryBase   string
	publicURL   func(fid string) string
	httpc       *http.Client
}

// New wires a Notifier from the process settings. publicURL renders the
// download link for an uploaded artifact.
func New(cfg *config.Settings, publicURL func(fid string) string) *Notifier {
	return &Notifier{
		dingEnabled: cfg.DingEnabled,
		dingURL:     cfg.DingWebhookURL,
		mailURL:     cfg.MailRelayURL,
		queryBase:   cfg.QueryBaseURL,
		publicURL:   publicURL,
		httpc:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Notify runs the three deliveries in order: callback, chat, email. Failures
// are logged and do not cancel later deliveries.
func (n *Notifier) Notify(ctx context.Context, job *store.Job) {
	if url := job.Params.ResponseURL; url != "" {
		if err := n.postJSON(ctx, url, envelope.For(job)); err != nil {
			slog.Warn("response callback failed", logfields.BuildID(job.BuildID), logfields.Error(err))
		}
	}

	if n.dingEnabled {
		if err := n.postDing(ctx, job); err != nil {
			slog.Warn("ding notification failed", logfields.BuildID(job.BuildID), logfields.Error(err))
		}
	}

	if job.Email != "" {
		if !ValidEmail(job.Email) {
			slog.Warn("skipping mail, address not deliverable", logfields.BuildID(job.BuildID))
			return
		}
		if err := n.postMail(ctx, job); err != nil {
			slog.Warn("mail notification failed", logfields.BuildID(job.BuildID), logfields.Error(err))
		}
	}
}

func (n *Notifier) postJSON(ctx context.Context, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification endpoint returned %s", resp.Status)
	}
	return nil
}

// postDing sends the markdown result message to the chat robot.
func (n *Notifier) postDing(ctx context.Context, job *store.Job) error {
	name := projectName(job)
	payload := map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": fmt.Sprintf("%s 打包通知", name),
			"text":  n.dingText(job, name),
		},
		"at": map[string]any{"isAtAll": true},
	}
	return n.postJSON(ctx, n.dingURL, payload)
}

// postMail sends the HTML result mail through the relay.
func (n *Notifier) postMail(ctx context.Context, job *store.Job) error {
	title, content := n.mailBody(job, projectName(job))
	return n.postJSON(ctx, n.mailURL, map[string]string{
		"mail":    job.Email,
		"title":   title,
		"content": content,
	})
}

func projectName(job *store.Job) string {
	if job.Params.Version.ProjectName != "" {
		return job.Params.Version.ProjectName
	}
	return job.BuildID
}

func (n *Notifier) dingText(job *store.Job, name string) string {
	date := job.Date.Local().Format(time.RFC3339)
	if job.Success() {
		return fmt.Sprintf(`## 恭喜 %s 打包成功了
---
### 打包结果如下:
* 打包任务: %s
* 打包时间: %s
* 打包耗时: %d 秒
* 点击下载: [点我!](%s)

#### 版本信息:

%s

---
> PowerBy %s
`, name, job.BuildID, date, job.BuildTime, n.publicURL(job.Fid), versionBlock(job), job.Operate)
	}

	msg := job.Status.Msg
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return fmt.Sprintf(`## 抱歉 %s 打包失败了
---
### 打包结果如下:
* 打包任务: %s
* 打包时间: %s

### 错误日志
`+"```"+`
%s
`+"```"+`

> 详细日志请查询邮件或者使用[查询接口](%s/app/query/%s)
---
> PowerBy %s
`, name, job.BuildID, date, msg, n.queryBase, job.BuildID, job.Operate)
}

func versionBlock(job *store.Job) string {
	pretty, err := json.MarshalIndent(job.Params.Version, "", "  ")
	if err != nil {
		return ""
	}
	return "```json\n" + string(pretty) + "\n```"
}

func (n *Notifier) mailBody(job *store.Job, name string) (string, string) {
	date := job.Date.Local().Format(time.RFC3339)
	if job.Success() {
		title := fmt.Sprintf("打包通知: 恭喜 %s 打包成功了!!", name)
		content := fmt.Sprintf(`
<h3> 打包结果如下: </h3>
<ul>
<li>打包任务: <code>%s</code></li>
<li>打包时间: <code>%s</code></li>
<li>打包结果: <code>成功</code></li>
<li>打包耗时: <code>%d 秒</code></li>
<li>点击下载: <a href="%s" target="_blank"> 点我! </a></li>
<li>版本信息: </li>
</ul>
<ul>
<pre><code>%s</code></pre>
</ul>

--------------------------------------------
<p>PowerBy <code>%s</code></p>
`, job.BuildID, date, job.BuildTime, n.publicURL(job.Fid), prettyVersion(job), job.Operate)
		return title, content
	}

	title := fmt.Sprintf("打包通知: 抱歉 %s 打包失败了..", name)
	content := fmt.Sprintf(`
<p> 打包结果如下: </p>
<ul>
<li>打包任务: <code>%s</code></li>
<li>打包时间: <code>%s</code></li>
<li>打包结果: <code>失败</code></li>
<li>失败原因: </li>
</ul>
<pre><code>%s</code></pre>

--------------------------------------------
<p>PowerBy <code>%s</code></p>
`, job.BuildID, date, job.Status.Msg, job.Operate)
	return title, content
}

func prettyVersion(job *store.Job) string {
	pretty, err := json.MarshalIndent(job.Params.Version, "", "  ")
	if err != nil {
		return ""
	}
	return string(pretty)
}
