package gateway

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/mwestra/chronicle/ratelimit"
)

// maxMessageLen is the outgoing content cap, kept under Discord's 2000 to
// leave headroom for formatting added downstream.
const maxMessageLen = 1900

// historyPageSize is Discord's maximum page for channel history.
const historyPageSize = 100

// classifyErr translates Discord REST failures for the rate limiter:
// 429 carries the exact retry-after, network errors and 5xx are transient,
// everything else is permanent.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) {
		return &ratelimit.RateLimitedError{RetryAfter: rle.RetryAfter}
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		if rest.Response != nil && rest.Response.StatusCode >= 500 {
			return &ratelimit.TransientError{Err: err}
		}
		return err
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return &ratelimit.TransientError{Err: err}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return &ratelimit.TransientError{Err: err}
	}
	return err
}

func do[T any](ctx context.Context, g *Gateway, key string, call func() (T, error)) (T, error) {
	return ratelimit.Do(ctx, g.limiter, key, func() (T, error) {
		v, err := call()
		if err != nil {
			var zero T
			return zero, classifyErr(err)
		}
		return v, nil
	})
}

// Channel fetches a channel by id.
func (g *Gateway) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	return do(ctx, g, "channel", func() (*discordgo.Channel, error) {
		return g.session.Channel(channelID, discordgo.WithContext(ctx))
	})
}

// GuildChannels lists all channels of a guild.
func (g *Gateway) GuildChannels(ctx context.Context, guildID string) ([]*discordgo.Channel, error) {
	return do(ctx, g, "guild_channels", func() ([]*discordgo.Channel, error) {
		return g.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	})
}

// GuildMember fetches a guild member.
func (g *Gateway) GuildMember(ctx context.Context, guildID, userID string) (*discordgo.Member, error) {
	return do(ctx, g, "guild_member", func() (*discordgo.Member, error) {
		return g.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	})
}

// Message fetches a single message, returning current CDN attachment URLs.
func (g *Gateway) Message(ctx context.Context, channelID, messageID string) (*discordgo.Message, error) {
	return do(ctx, g, "message:"+channelID, func() (*discordgo.Message, error) {
		return g.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	})
}

// HistoryAscending pages a channel's history oldest to newest starting after
// afterID ("" for the beginning) and feeds each page to fn in chronological
// order. Iteration stops when fn returns an error or the history is
// exhausted.
func (g *Gateway) HistoryAscending(ctx context.Context, channelID, afterID string, fn func([]*discordgo.Message) error) error {
	for {
		page, err := do(ctx, g, "history:"+channelID, func() ([]*discordgo.Message, error) {
			return g.session.ChannelMessages(channelID, historyPageSize, "", afterID, "", discordgo.WithContext(ctx))
		})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		// Discord returns pages newest first.
		for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
			page[i], page[j] = page[j], page[i]
		}
		if err := fn(page); err != nil {
			return err
		}
		afterID = page[len(page)-1].ID
		if len(page) < historyPageSize {
			return nil
		}
	}
}

// Send posts content to a channel.
func (g *Gateway) Send(ctx context.Context, channelID, content string) (*discordgo.Message, error) {
	return do(ctx, g, "send:"+channelID, func() (*discordgo.Message, error) {
		return g.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	})
}

// SendSplit posts content, splitting it into chunks under the message cap.
// Splits prefer line boundaries. Returns the first posted message.
func (g *Gateway) SendSplit(ctx context.Context, channelID, content string) (*discordgo.Message, error) {
	var first *discordgo.Message
	for _, part := range splitMessage(content, maxMessageLen) {
		msg, err := g.Send(ctx, channelID, part)
		if err != nil {
			return first, err
		}
		if first == nil {
			first = msg
		}
	}
	return first, nil
}

// splitMessage cuts content into pieces of at most limit runes, breaking on
// the last newline before the limit when one exists.
func splitMessage(content string, limit int) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	var parts []string
	for len([]rune(content)) > limit {
		runes := []rune(content)
		cut := limit
		if i := strings.LastIndex(string(runes[:limit]), "\n"); i > 0 {
			cut = len([]rune(string(runes[:limit])[:i]))
		}
		parts = append(parts, strings.TrimSpace(string(runes[:cut])))
		content = strings.TrimSpace(string(runes[cut:]))
	}
	if content != "" {
		parts = append(parts, content)
	}
	return parts
}

// CreateThread starts a public thread in a channel with a 7 day auto-archive.
func (g *Gateway) CreateThread(ctx context.Context, channelID, name string) (*discordgo.Channel, error) {
	return do(ctx, g, "thread_start:"+channelID, func() (*discordgo.Channel, error) {
		return g.session.ThreadStart(channelID, name, discordgo.ChannelTypeGuildPublicThread, 10080, discordgo.WithContext(ctx))
	})
}

// CreateMessageThread starts a thread attached to an existing message.
func (g *Gateway) CreateMessageThread(ctx context.Context, channelID, messageID, name string) (*discordgo.Channel, error) {
	return do(ctx, g, "thread_start:"+channelID, func() (*discordgo.Channel, error) {
		return g.session.MessageThreadStart(channelID, messageID, name, 10080, discordgo.WithContext(ctx))
	})
}

// ActiveThreads lists a guild's active threads.
func (g *Gateway) ActiveThreads(ctx context.Context, guildID string) (*discordgo.ThreadsList, error) {
	return do(ctx, g, "threads_active", func() (*discordgo.ThreadsList, error) {
		return g.session.GuildThreadsActive(guildID, discordgo.WithContext(ctx))
	})
}

// ArchivedThreads lists a channel's public archived threads, newest first.
func (g *Gateway) ArchivedThreads(ctx context.Context, channelID string, before *time.Time, limit int) (*discordgo.ThreadsList, error) {
	return do(ctx, g, "threads_archived:"+channelID, func() (*discordgo.ThreadsList, error) {
		return g.session.ThreadsArchived(channelID, before, limit, discordgo.WithContext(ctx))
	})
}

// DM opens (or reuses) a DM channel with a user and sends content.
func (g *Gateway) DM(ctx context.Context, userID, content string) (*discordgo.Message, error) {
	ch, err := do(ctx, g, "dm_open", func() (*discordgo.Channel, error) {
		return g.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	})
	if err != nil {
		return nil, err
	}
	return g.SendSplit(ctx, ch.ID, content)
}

// DeleteMessage removes one of the bot's own messages.
func (g *Gateway) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	_, err := do(ctx, g, "delete:"+channelID, func() (struct{}, error) {
		return struct{}{}, g.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
	})
	return err
}

// React adds the bot's reaction to a message.
func (g *Gateway) React(ctx context.Context, channelID, messageID, emoji string) error {
	_, err := do(ctx, g, "react:"+channelID, func() (struct{}, error) {
		return struct{}{}, g.session.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx))
	})
	return err
}

// Reactors enumerates the users who reacted with emoji, paging as needed.
func (g *Gateway) Reactors(ctx context.Context, channelID, messageID, emoji string) ([]*discordgo.User, error) {
	var all []*discordgo.User
	afterID := ""
	for {
		page, err := do(ctx, g, "reactions:"+channelID, func() ([]*discordgo.User, error) {
			return g.session.MessageReactions(channelID, messageID, emoji, historyPageSize, "", afterID, discordgo.WithContext(ctx))
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < historyPageSize {
			return all, nil
		}
		afterID = page[len(page)-1].ID
	}
}
