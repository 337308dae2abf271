// Package curator archives workflow posts: when a curator reacts to a post
// carrying a workflow (a JSON attachment or a PNG with embedded metadata),
// it asks the author for permission, re-hosts the workflow and its media in
// the object store, classifies the model, and records an asset.
package curator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/mwestra/chronicle/config"
	"github.com/mwestra/chronicle/llm"
	"github.com/mwestra/chronicle/store"
)

var jsonx = jsoniter.ConfigCompatibleWithStandardLibrary

// modelCatalog is the canonical set the classifier must choose from.
var modelCatalog = []string{
	"SD 1.5", "SDXL", "SD3", "Flux", "Wan", "Hunyuan Video", "LTX Video",
	"CogVideoX", "AnimateDiff", "Mochi", "unknown",
}

const contextWindow = 12 * time.Hour
const contextCap = 200

// Gate is the Discord surface the curator needs.
type Gate interface {
	DM(ctx context.Context, userID, content string) (*discordgo.Message, error)
}

// LLM classifies workflows against the model catalog.
type LLM interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
}

type Curator struct {
	st     *store.Store
	llm    LLM
	gate   Gate
	cfg    *config.Config
	logger *slog.Logger
	botID  func() string
	httpc  *http.Client

	// timeout bounds the author consent wait; convertGIF is swapped in tests.
	timeout    time.Duration
	convertGIF func(ctx context.Context, gif []byte) ([]byte, error)

	mu      sync.Mutex
	waiting map[string]chan string
	wg      sync.WaitGroup
}

func New(st *store.Store, lc LLM, gate Gate, cfg *config.Config, botID func() string, logger *slog.Logger) *Curator {
	c := &Curator{
		st:      st,
		llm:     lc,
		gate:    gate,
		cfg:     cfg,
		botID:   botID,
		logger:  logger.With("component", "curator"),
		httpc:   &http.Client{Timeout: 60 * time.Second},
		timeout: time.Duration(cfg.Sharing.TimeoutHours) * time.Hour,
		waiting: make(map[string]chan string),
	}
	c.convertGIF = c.ffmpegGIFToMP4
	return c
}

// HandleReactionAdd starts a curation run for the trigger emoji.
func (c *Curator) HandleReactionAdd(e *discordgo.MessageReactionAdd) {
	if e.GuildID == "" || e.Emoji.Name != c.cfg.Curator.TriggerEmoji || e.UserID == c.botID() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(context.Background(), e.UserID, e.MessageID)
	}()
}

// HandleDM routes a DM reply into a waiting consent ask.
func (c *Curator) HandleDM(e *discordgo.MessageCreate) bool {
	if e.GuildID != "" || e.Author == nil || e.Author.Bot {
		return false
	}
	c.mu.Lock()
	ch, ok := c.waiting[e.Author.ID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- strings.TrimSpace(e.Content):
	default:
	}
	return true
}

// Wait blocks until in-flight curation runs finish.
func (c *Curator) Wait() { c.wg.Wait() }

func (c *Curator) run(ctx context.Context, curatorID, messageID string) {
	var msg store.Message
	err := c.st.Table(store.TableMessages).Select().Eq("message_id", messageID).FetchOne(ctx, &msg)
	if err != nil {
		c.logger.Warn("curation trigger on unknown message", "message_id", messageID, "error", err)
		return
	}

	workflow, workflowName, err := c.findWorkflow(ctx, msg)
	if err != nil {
		c.logger.Warn("workflow extraction failed", "message_id", messageID, "error", err)
		c.dm(ctx, curatorID, "Sorry, I couldn't read the workflow from that post.")
		return
	}
	if workflow == nil {
		c.dm(ctx, curatorID, "That post doesn't contain a workflow I can archive (no JSON attachment or embedded PNG metadata).")
		return
	}

	if !c.authorPermits(ctx, curatorID, msg.AuthorID) {
		return
	}

	asset, err := c.archive(ctx, msg, workflow, workflowName)
	if err != nil {
		c.logger.Error("archive failed", "message_id", messageID, "error", err)
		c.dm(ctx, curatorID, "Archiving that workflow failed. Please try again later.")
		return
	}

	notice := fmt.Sprintf("Workflow archived as %s (%s): %s", asset.Model, asset.AssetID, asset.WorkflowURL)
	c.dm(ctx, msg.AuthorID, "Your workflow has been added to the community archive: "+asset.WorkflowURL)
	c.dm(ctx, curatorID, notice)
}

// authorPermits resolves permission_to_curate, asking over DM when unset.
func (c *Curator) authorPermits(ctx context.Context, curatorID, authorID string) bool {
	var author store.Member
	err := c.st.Table(store.TableMembers).Select().Eq("member_id", authorID).FetchOne(ctx, &author)
	if err != nil && err != store.ErrNotFound {
		c.logger.Warn("load author failed", "member_id", authorID, "error", err)
		return false
	}
	switch author.PermissionCurate {
	case store.ConsentGranted:
		return true
	case store.ConsentDenied:
		c.dm(ctx, curatorID, "The author has opted out of workflow curation.")
		return false
	}

	_, err = c.gate.DM(ctx, authorID,
		"A curator would like to add your workflow to the community archive. Reply \"yes\" to allow archiving of your workflows, or \"no\" to decline.")
	if err != nil {
		c.logger.Warn("consent ask failed", "author_id", authorID, "error", err)
		c.dm(ctx, curatorID, "I couldn't reach the author to ask for permission.")
		return false
	}
	reply, ok := c.await(ctx, authorID)
	if !ok {
		c.dm(ctx, curatorID, "The author didn't respond in time, so the workflow wasn't archived.")
		return false
	}
	granted := isYes(reply)
	consent := store.ConsentDenied
	if granted {
		consent = store.ConsentGranted
	}
	_, err = c.st.Table(store.TableMembers).
		Update(map[string]any{"permission_to_curate": int(consent)}).
		Eq("member_id", authorID).Exec(ctx)
	if err != nil {
		c.logger.Error("persist curate permission failed", "member_id", authorID, "error", err)
	}
	if !granted {
		c.dm(ctx, authorID, "Understood. Your workflows won't be archived.")
		c.dm(ctx, curatorID, "The author declined curation.")
		return false
	}
	return true
}

func isYes(reply string) bool {
	switch strings.ToLower(strings.TrimSpace(reply)) {
	case "yes", "y", "allow", "ok", "sure":
		return true
	}
	return false
}

// findWorkflow locates workflow JSON in the message: a .json attachment
// first, then PNG attachments with embedded metadata.
func (c *Curator) findWorkflow(ctx context.Context, msg store.Message) ([]byte, string, error) {
	for _, a := range msg.Attachments {
		if strings.HasSuffix(strings.ToLower(a.Filename), ".json") {
			data, err := c.download(ctx, a.URL)
			if err != nil {
				return nil, "", err
			}
			if !looksLikeJSONObject(data) {
				continue
			}
			return data, a.Filename, nil
		}
	}
	for _, a := range msg.Attachments {
		if !strings.HasSuffix(strings.ToLower(a.Filename), ".png") {
			continue
		}
		data, err := c.download(ctx, a.URL)
		if err != nil {
			return nil, "", err
		}
		payload, err := extractPNGWorkflow(data)
		if err != nil {
			return nil, "", err
		}
		if payload != nil {
			name := strings.TrimSuffix(a.Filename, filepath.Ext(a.Filename)) + ".json"
			return payload, name, nil
		}
	}
	return nil, "", nil
}

// archive re-hosts the workflow and media, classifies the model, and writes
// the asset rows.
func (c *Curator) archive(ctx context.Context, msg store.Message, workflow []byte, workflowName string) (*store.Asset, error) {
	assetID := uuid.NewString()
	prefix := path.Join(msg.AuthorID, assetID)

	workflowURL, err := c.st.Bucket(store.BucketWorkflows).
		Upload(ctx, path.Join(prefix, workflowName), workflow, "application/json")
	if err != nil {
		return nil, fmt.Errorf("upload workflow: %w", err)
	}

	var media []store.AssetMedia
	for _, a := range msg.Attachments {
		lower := strings.ToLower(a.Filename)
		if strings.HasSuffix(lower, ".json") {
			continue
		}
		data, err := c.download(ctx, a.URL)
		if err != nil {
			c.logger.Warn("media download failed", "url", a.URL, "error", err)
			continue
		}
		name, contentType := a.Filename, a.ContentType
		if strings.HasSuffix(lower, ".gif") {
			if mp4, cerr := c.convertGIF(ctx, data); cerr == nil {
				data = mp4
				name = strings.TrimSuffix(a.Filename, ".gif") + ".mp4"
				contentType = "video/mp4"
			} else {
				c.logger.Warn("gif conversion failed, keeping original", "file", a.Filename, "error", cerr)
			}
		}
		u, err := c.st.Bucket(store.BucketVideos).Upload(ctx, path.Join(prefix, name), data, contentType)
		if err != nil {
			c.logger.Warn("media upload failed", "file", name, "error", err)
			continue
		}
		media = append(media, store.AssetMedia{
			AssetID:     assetID,
			MediaURL:    u,
			ContentType: contentType,
			SourceID:    msg.MessageID,
		})
	}

	contextText, err := c.contextMessages(ctx, msg)
	if err != nil {
		c.logger.Warn("context collection failed", "error", err)
	}
	model, variant, description := c.classify(ctx, workflow, msg.Content, contextText)

	asset := &store.Asset{
		AssetID:     assetID,
		AuthorID:    msg.AuthorID,
		MessageID:   msg.MessageID,
		WorkflowURL: workflowURL,
		Model:       model,
		Variant:     variant,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.st.Table(store.TableAssets).Insert(ctx, asset); err != nil {
		return nil, fmt.Errorf("insert asset: %w", err)
	}
	for _, m := range media {
		if err := c.st.Table(store.TableAssetMedia).Insert(ctx, m); err != nil {
			c.logger.Error("insert asset media failed", "asset_id", assetID, "error", err)
		}
	}
	return asset, nil
}

// contextMessages gathers the author's surrounding posts for classification.
func (c *Curator) contextMessages(ctx context.Context, msg store.Message) (string, error) {
	var rows []store.Message
	err := c.st.Table(store.TableMessages).Select("message_id", "content", "created_at").
		Eq("author_id", msg.AuthorID).
		Gte("created_at", store.FormatTime(msg.CreatedAt.Add(-contextWindow))).
		Lte("created_at", store.FormatTime(msg.CreatedAt.Add(contextWindow))).
		Order("created_at", false).
		Limit(contextCap).
		Fetch(ctx, &rows)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, r := range rows {
		if r.MessageID == msg.MessageID || strings.TrimSpace(r.Content) == "" {
			continue
		}
		sb.WriteString(r.Content)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

const classifySystem = `You classify an image/video generation workflow. Given the workflow JSON and the author's surrounding messages, pick the base model from the catalog, name the variant or checkpoint if identifiable, and write a one-sentence description.

Respond with ONLY a JSON object: {"model": "<catalog entry>", "variant": "<short string or empty>", "description": "<one sentence>"}`

// classify asks the model catalog question; any failure degrades to unknown.
func (c *Curator) classify(ctx context.Context, workflow []byte, content, contextText string) (model, variant, description string) {
	prompt := fmt.Sprintf("Catalog: %s\n\nWorkflow JSON:\n%s\n\nPost:\n%s\n\nAuthor context:\n%s",
		strings.Join(modelCatalog, ", "), truncateBytes(workflow, 20000), content, truncateRunes(contextText, 8000))
	out, err := c.llm.Generate(ctx, llm.Request{
		Provider:  c.cfg.Summary.Provider,
		Model:     c.cfg.Summary.Model,
		System:    classifySystem,
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens: 500,
	})
	if err != nil {
		c.logger.Warn("classification failed", "error", err)
		return "unknown", "", ""
	}
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return "unknown", "", ""
	}
	var parsed struct {
		Model       string `json:"model"`
		Variant     string `json:"variant"`
		Description string `json:"description"`
	}
	if err := jsonx.Unmarshal([]byte(out[start:end+1]), &parsed); err != nil {
		return "unknown", "", ""
	}
	if !inCatalog(parsed.Model) {
		parsed.Model = "unknown"
	}
	return parsed.Model, parsed.Variant, parsed.Description
}

func inCatalog(model string) bool {
	for _, m := range modelCatalog {
		if strings.EqualFold(m, model) {
			return true
		}
	}
	return false
}

func truncateBytes(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func (c *Curator) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 100<<20))
}

// ffmpegGIFToMP4 shells out to ffmpeg through temp files.
func (c *Curator) ffmpegGIFToMP4(ctx context.Context, gif []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "curator-gif-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	in := filepath.Join(dir, "in.gif")
	out := filepath.Join(dir, "out.mp4")
	if err := os.WriteFile(in, gif, 0o644); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, c.cfg.Curator.FFmpegPath,
		"-i", in,
		"-movflags", "faststart",
		"-pix_fmt", "yuv420p",
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		out)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return os.ReadFile(out)
}

// await parks the run until the author's next DM or the timeout.
func (c *Curator) await(ctx context.Context, userID string) (string, bool) {
	ch := make(chan string, 1)
	c.mu.Lock()
	c.waiting[userID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, userID)
		c.mu.Unlock()
	}()
	select {
	case reply := <-ch:
		return reply, true
	case <-time.After(c.timeout):
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

func (c *Curator) dm(ctx context.Context, userID, content string) {
	if _, err := c.gate.DM(ctx, userID, content); err != nil {
		c.logger.Warn("dm failed", "user_id", userID, "error", err)
	}
}
