// Package youtube adapts the YouTube Data API v3 to the remote API port used
// by the retry client. A Transport is bound to exactly one API key; the
// retry client builds a fresh one whenever it rotates credentials.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/Sternrassler/yt-harvester/pkg/client"
	"github.com/Sternrassler/yt-harvester/pkg/credentials"
	"github.com/Sternrassler/yt-harvester/pkg/domain"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// MaxBatchSize is the largest id list accepted by videos.list.
const MaxBatchSize = 50

// ErrChannelNotFound is returned when channels.list yields no item.
var ErrChannelNotFound = errors.New("channel not found")

// Options configures transports built by NewFactory.
type Options struct {
	// Endpoint overrides the API base URL, e.g. for a local fake.
	Endpoint string

	// UserAgent is sent with every request.
	UserAgent string

	// EmbedMaxHeight requests player embed dimensions, used for the aspect
	// ratio signal. Zero disables the player part.
	EmbedMaxHeight int64
}

// DefaultOptions returns the options used in production.
func DefaultOptions() Options {
	return Options{
		UserAgent:      "yt-harvester/1.0",
		EmbedMaxHeight: 720,
	}
}

// Transport is a remote API transport bound to one API key.
type Transport struct {
	service *youtube.Service
	opts    Options
}

// New creates a transport for apiKey.
func New(ctx context.Context, apiKey string, opts Options) (*Transport, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}

	clientOpts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	if opts.UserAgent != "" {
		clientOpts = append(clientOpts, option.WithUserAgent(opts.UserAgent))
	}

	service, err := youtube.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}

	return &Transport{service: service, opts: opts}, nil
}

// NewFactory returns a transport factory for the retry client.
func NewFactory(opts Options) client.TransportFactory {
	return func(ctx context.Context, cred credentials.Credential) (domain.RemoteAPI, error) {
		return New(ctx, cred.Key, opts)
	}
}

// ListPage fetches one page of playlist items.
func (t *Transport) ListPage(ctx context.Context, playlistID, pageToken string) (*domain.Page, error) {
	call := t.service.PlaylistItems.List([]string{"snippet", "contentDetails"}).
		PlaylistId(playlistID).
		MaxResults(MaxBatchSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, wrapError("playlistItems.list", err)
	}

	page := &domain.Page{
		Items:     make([]domain.PageItem, 0, len(resp.Items)),
		NextToken: resp.NextPageToken,
	}
	for _, item := range resp.Items {
		page.Items = append(page.Items, toPageItem(item))
	}
	return page, nil
}

func toPageItem(item *youtube.PlaylistItem) domain.PageItem {
	var out domain.PageItem
	var published string

	if cd := item.ContentDetails; cd != nil {
		out.ID = cd.VideoId
		published = cd.VideoPublishedAt
	}
	if sn := item.Snippet; sn != nil {
		out.Title = sn.Title
		out.OwnerID = sn.VideoOwnerChannelId
		if out.OwnerID == "" {
			out.OwnerID = sn.ChannelId
		}
		if out.ID == "" && sn.ResourceId != nil {
			out.ID = sn.ResourceId.VideoId
		}
		if published == "" {
			published = sn.PublishedAt
		}
	}
	out.PublishedAt = parseTime(published)
	return out
}

// Details fetches full records for up to MaxBatchSize video ids.
func (t *Transport) Details(ctx context.Context, ids []string) ([]domain.Detail, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxBatchSize {
		return nil, client.NewAPIError(http.StatusBadRequest,
			fmt.Sprintf("batch of %d ids exceeds %d", len(ids), MaxBatchSize), nil)
	}

	parts := []string{"snippet", "statistics", "contentDetails"}
	if t.opts.EmbedMaxHeight > 0 {
		parts = append(parts, "player")
	}

	call := t.service.Videos.List(parts).
		Id(ids...).
		Context(ctx)
	if t.opts.EmbedMaxHeight > 0 {
		call = call.MaxHeight(t.opts.EmbedMaxHeight)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, wrapError("videos.list", err)
	}

	details := make([]domain.Detail, 0, len(resp.Items))
	for _, v := range resp.Items {
		details = append(details, toDetail(v))
	}
	return details, nil
}

func toDetail(v *youtube.Video) domain.Detail {
	d := domain.Detail{ID: v.Id}
	if sn := v.Snippet; sn != nil {
		d.OwnerID = sn.ChannelId
		d.Title = sn.Title
		d.Description = sn.Description
		d.PublishedAt = parseTime(sn.PublishedAt)
		d.Tags = sn.Tags
	}
	if st := v.Statistics; st != nil {
		d.Views = toInt64(st.ViewCount)
		d.Likes = toInt64(st.LikeCount)
		d.Comments = toInt64(st.CommentCount)
	}
	if cd := v.ContentDetails; cd != nil {
		d.Duration = cd.Duration
	}
	if p := v.Player; p != nil {
		d.EmbedWidth = p.EmbedWidth
		d.EmbedHeight = p.EmbedHeight
	}
	return d
}

// UploadsCollection resolves the uploads playlist of a channel.
func (t *Transport) UploadsCollection(ctx context.Context, channelID string) (string, error) {
	resp, err := t.service.Channels.List([]string{"contentDetails"}).
		Id(channelID).
		Context(ctx).
		Do()
	if err != nil {
		return "", wrapError("channels.list", err)
	}

	if len(resp.Items) == 0 || resp.Items[0].ContentDetails == nil ||
		resp.Items[0].ContentDetails.RelatedPlaylists == nil ||
		resp.Items[0].ContentDetails.RelatedPlaylists.Uploads == "" {
		return "", client.NewAPIError(http.StatusNotFound, "channel "+channelID, ErrChannelNotFound)
	}
	return resp.Items[0].ContentDetails.RelatedPlaylists.Uploads, nil
}

// wrapError converts API failures into classified client errors. Transport
// and context errors keep their type and only gain the operation prefix.
func wrapError(op string, err error) error {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return fmt.Errorf("%s: %w", op, err)
	}

	msg := gErr.Message
	if len(gErr.Errors) > 0 && gErr.Errors[0].Reason != "" {
		msg = gErr.Errors[0].Reason
	}
	return client.NewAPIError(gErr.Code, op+": "+msg, err)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func toInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
