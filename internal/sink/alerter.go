package sink

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log"
	"strings"
	"sync"
	"time"

	"NetAnomaly/internal/model"

	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
)

// maxAlertRows bounds the anomalies kept per check window.
const maxAlertRows = 200

var alertTemplate = template.Must(template.New("alert").Parse(`<h1>NetAnomaly Alert Summary</h1>
<p>{{.Total}} anomalous flow update(s) between {{.From.Format "2006-01-02 15:04:05"}} and {{.To.Format "2006-01-02 15:04:05"}}.{{if .Omitted}} Showing the first {{len .Rows}}.{{end}}</p>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Detected</th><th>Flow</th><th>Bytes sent/recv</th><th>Packets sent/recv</th><th>Duration (s)</th><th>Score</th></tr>
{{range .Rows}}<tr><td>{{.DetectedAt.Format "15:04:05"}}</td><td>{{.Flow}}</td><td>{{.BytesSent}}/{{.BytesReceived}}</td><td>{{.PacketsSent}}/{{.PacketsReceived}}</td><td>{{printf "%.3f" .DurationSeconds}}</td><td>{{printf "%.6g" .Score}}</td></tr>
{{end}}</table>
{{if .Analysis}}<hr><h2>AI-Powered Analysis</h2>
{{.Analysis}}{{end}}
`))

type alertView struct {
	Total    int
	Omitted  int
	From, To time.Time
	Rows     []model.Anomaly
	Analysis template.HTML
}

// Alerter collects anomalies and, once per check interval, emails a summary
// when the window holds at least minAnomalies. Windows below the minimum are
// discarded.
type Alerter struct {
	notifier     model.Notifier
	analyzer     model.Analyzer
	minAnomalies int
	interval     time.Duration
	now          func() time.Time

	mu          sync.Mutex
	rows        []model.Anomaly
	total       int
	windowStart time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewAlerter creates an Alerter. analyzer may be nil.
func NewAlerter(notifier model.Notifier, analyzer model.Analyzer, minAnomalies int, interval time.Duration) *Alerter {
	if minAnomalies <= 0 {
		minAnomalies = 1
	}
	return &Alerter{
		notifier:     notifier,
		analyzer:     analyzer,
		minAnomalies: minAnomalies,
		interval:     interval,
		now:          time.Now,
		windowStart:  time.Now(),
		stopChan:     make(chan struct{}),
	}
}

// Name implements model.Observer.
func (a *Alerter) Name() string { return "alerter" }

// Notify implements model.Observer.
func (a *Alerter) Notify(_ context.Context, u model.Update) error {
	if !u.IsAnomaly() {
		return nil
	}
	an := model.NewAnomaly(u, a.now())
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total++
	if len(a.rows) < maxAlertRows {
		a.rows = append(a.rows, an)
	}
	return nil
}

// Start begins the periodic evaluation.
func (a *Alerter) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		log.Printf("Alerter started, checking every %s.", a.interval)

		for {
			select {
			case <-ticker.C:
				a.evaluate()
			case <-a.stopChan:
				return
			}
		}
	}()
}

// Close stops the evaluation loop and evaluates the last window.
func (a *Alerter) Close() error {
	a.stopOnce.Do(func() {
		log.Println("Stopping Alerter...")
		close(a.stopChan)
		a.wg.Wait()
		a.evaluate()
	})
	return nil
}

func (a *Alerter) takeWindow() alertView {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	v := alertView{Total: a.total, Omitted: a.total - len(a.rows), From: a.windowStart, To: now, Rows: a.rows}
	a.rows, a.total, a.windowStart = nil, 0, now
	return v
}

func (a *Alerter) evaluate() {
	v := a.takeWindow()
	if v.Total == 0 || v.Total < a.minAnomalies {
		return
	}
	log.Printf("Alerter evaluation completed. %d anomalies in window.", v.Total)

	if a.analyzer != nil {
		log.Println("Requesting AI analysis for alert summary...")
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		analysis, err := a.analyzer.AnalyzeAnomalies(ctx, summarize(v.Rows))
		cancel()
		if err != nil {
			log.Printf("Failed to get AI analysis: %v", err)
		} else {
			v.Analysis = markdownToHTML(analysis)
		}
	}

	body, err := renderAlert(v)
	if err != nil {
		log.Printf("ERROR: Failed to render alert: %v", err)
		return
	}
	subject := fmt.Sprintf("NetAnomaly Alert Summary (%d anomalies)", v.Total)
	if err := a.notifier.Send(subject, body); err != nil {
		log.Printf("ERROR: Failed to send alert notification: %v", err)
		return
	}
	log.Printf("INFO: Alert notification sent successfully.")
}

func renderAlert(v alertView) (string, error) {
	var buf bytes.Buffer
	if err := alertTemplate.Execute(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// markdownToHTML converts the AI's markdown reply to HTML. Raw HTML in the
// reply is dropped.
func markdownToHTML(md string) template.HTML {
	renderer := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.CommonFlags | mdhtml.SkipHTML})
	return template.HTML(markdown.ToHTML([]byte(md), nil, renderer))
}

// summarize renders anomalies as plain text lines for the AI prompt.
func summarize(rows []model.Anomaly) string {
	var sb strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&sb, "%s bytes=%d/%d packets=%d/%d duration=%.3fs score=%.6g\n",
			r.Flow, r.BytesSent, r.BytesReceived, r.PacketsSent, r.PacketsReceived, r.DurationSeconds, r.Score)
	}
	return sb.String()
}
