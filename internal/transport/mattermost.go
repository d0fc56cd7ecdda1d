package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/pkg/errors"
)

// propOverrideUsername and propOverrideIconURL are the Mattermost post
// props that make a single bot account render a post under a persona's
// name and avatar, the Slack-compatible "posting as" mechanism used in
// place of provisioning one bot account per persona.
const (
	propOverrideUsername = "override_username"
	propOverrideIconURL  = "override_icon_url"
	propFromWebhook      = "from_webhook" // required for override props to take effect
)

// MattermostTransport implements ChatTransport against a real Mattermost
// server via Client4 (REST) and WebSocketClient4 (event stream).
type MattermostTransport struct {
	client   *model.Client4
	wsURL    string
	token    string
	botUserID string
	log      hclog.Logger
}

// NewMattermostTransport logs in (via personal access token) and resolves
// the bot's own user ID, so the router can self-filter the bot's own
// posts out of the event stream later.
func NewMattermostTransport(ctx context.Context, serverURL, token string, log hclog.Logger) (*MattermostTransport, error) {
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)

	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return nil, errors.Wrap(err, "failed to authenticate with mattermost")
	}

	wsURL := websocketURLFromServerURL(serverURL)

	return &MattermostTransport{
		client:    client,
		wsURL:     wsURL,
		token:     token,
		botUserID: me.Id,
		log:       log,
	}, nil
}

func websocketURLFromServerURL(serverURL string) string {
	switch {
	case len(serverURL) >= 5 && serverURL[:5] == "https":
		return "wss" + serverURL[5:]
	case len(serverURL) >= 4 && serverURL[:4] == "http":
		return "ws" + serverURL[4:]
	default:
		return serverURL
	}
}

// BotUserID returns the authenticated bot's own user ID.
func (t *MattermostTransport) BotUserID() string {
	return t.botUserID
}

// Post implements ChatTransport.
func (t *MattermostTransport) Post(ctx context.Context, channelID, message string, opts PostOptions) (string, error) {
	post := &model.Post{
		ChannelId: channelID,
		Message:   message,
		RootId:    opts.RootID,
	}
	props := model.StringInterface{}
	if opts.PersonaName != "" {
		props[propOverrideUsername] = opts.PersonaName
		props[propFromWebhook] = "true"
	}
	if opts.PersonaIconURL != "" {
		props[propOverrideIconURL] = opts.PersonaIconURL
	}
	if len(opts.Attachments) > 0 {
		props["attachments"] = convertAttachments(opts.Attachments)
	}
	post.SetProps(props)

	created, _, err := t.client.CreatePost(ctx, post)
	if err != nil {
		return "", errors.Wrap(err, "failed to create post")
	}
	return created.Id, nil
}

func convertAttachments(in []Attachment) []*model.SlackAttachment {
	out := make([]*model.SlackAttachment, 0, len(in))
	for _, a := range in {
		sa := &model.SlackAttachment{
			Fallback: a.Fallback,
			Color:    a.Color,
			Title:    a.Title,
			Text:     a.Text,
		}
		for _, f := range a.Fields {
			sa.Fields = append(sa.Fields, &model.SlackAttachmentField{
				Title: f.Title,
				Value: f.Value,
				Short: f.Short,
			})
		}
		out = append(out, sa)
	}
	return out
}

// AddReaction implements ChatTransport.
func (t *MattermostTransport) AddReaction(ctx context.Context, postID, emojiName string) error {
	reaction := &model.Reaction{
		UserId:    t.botUserID,
		PostId:    postID,
		EmojiName: emojiName,
	}
	_, _, err := t.client.SaveReaction(ctx, reaction)
	return errors.Wrap(err, "failed to save reaction")
}

// ThreadReplies implements ChatTransport.
func (t *MattermostTransport) ThreadReplies(ctx context.Context, rootID string) ([]InboundEvent, error) {
	list, _, err := t.client.GetPostThread(ctx, rootID, "", false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch thread")
	}
	events := make([]InboundEvent, 0, len(list.Order))
	for _, id := range list.Order {
		post, ok := list.Posts[id]
		if !ok || post.Id == rootID {
			continue
		}
		events = append(events, t.eventFromPost(post))
	}
	return events, nil
}

// IsChannelIdle implements ChatTransport, checking the channel's last post
// time against cutoffMS.
func (t *MattermostTransport) IsChannelIdle(ctx context.Context, channelID string, cutoffMS int64) (bool, error) {
	stats, _, err := t.client.GetChannelStats(ctx, channelID, "", false)
	if err != nil {
		return false, errors.Wrap(err, "failed to fetch channel stats")
	}
	if stats.PostCount == 0 {
		return true, nil
	}
	posts, _, err := t.client.GetPostsForChannel(ctx, channelID, 0, 1, "", false, false)
	if err != nil {
		return false, errors.Wrap(err, "failed to fetch recent posts")
	}
	for _, id := range posts.Order {
		post := posts.Posts[id]
		return post.CreateAt < cutoffMS, nil
	}
	return true, nil
}

func (t *MattermostTransport) eventFromPost(post *model.Post) InboundEvent {
	username := ""
	if v, ok := post.GetProps()[propOverrideUsername]; ok {
		if s, ok := v.(string); ok {
			username = s
		}
	}
	return InboundEvent{
		ChannelID:   post.ChannelId,
		PostID:      post.Id,
		RootID:      post.RootId,
		UserID:      post.UserId,
		Username:    username,
		Message:     post.Message,
		IsBot:       post.UserId == t.botUserID,
		CreatedAtMS: post.CreateAt,
	}
}

// Listen implements ChatTransport by opening a WebSocketClient4 event
// stream and translating "posted" events into InboundEvents.
func (t *MattermostTransport) Listen(ctx context.Context) (<-chan InboundEvent, error) {
	wsClient, err := model.NewWebSocketClient4(t.wsURL, t.token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial mattermost websocket")
	}

	out := make(chan InboundEvent, 64)
	wsClient.Listen()

	go func() {
		defer close(out)
		defer wsClient.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-wsClient.EventChannel:
				if !ok {
					return
				}
				if event.EventType() != model.WebsocketEventPosted {
					continue
				}
				evt, err := t.decodePostedEvent(event)
				if err != nil {
					t.log.Warn("failed to decode posted event", "error", err.Error())
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (t *MattermostTransport) decodePostedEvent(event *model.WebSocketEvent) (InboundEvent, error) {
	raw, ok := event.GetData()["post"].(string)
	if !ok {
		return InboundEvent{}, fmt.Errorf("posted event missing post field")
	}
	var post model.Post
	if err := json.Unmarshal([]byte(raw), &post); err != nil {
		return InboundEvent{}, errors.Wrap(err, "failed to unmarshal post payload")
	}
	return t.eventFromPost(&post), nil
}
