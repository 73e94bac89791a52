// Package identity supplies the author attached to new suggestions.
package identity

import (
	"context"
	"hash/fnv"
	"strings"

	"suggestions/engine/internal/suggestion"
)

// Provider returns the current author, or nil when anonymous.
type Provider interface {
	Identity(ctx context.Context) *suggestion.Author
}

type authorKey struct{}

// WithAuthor attaches a per-request author that Static prefers over its
// default.
func WithAuthor(ctx context.Context, author *suggestion.Author) context.Context {
	return context.WithValue(ctx, authorKey{}, author)
}

func FromContext(ctx context.Context) (*suggestion.Author, bool) {
	author, ok := ctx.Value(authorKey{}).(*suggestion.Author)
	return author, ok && author != nil
}

// Static falls back to a fixed author for the process.
type Static struct {
	Default *suggestion.Author
}

func NewStatic(username string) Static {
	if strings.TrimSpace(username) == "" {
		return Static{}
	}
	return Static{Default: Author(username, username)}
}

func (s Static) Identity(ctx context.Context) *suggestion.Author {
	if author, ok := FromContext(ctx); ok {
		out := *author
		return &out
	}
	if s.Default == nil {
		return nil
	}
	out := *s.Default
	return &out
}

// Author derives display fields from a username and display name.
func Author(username, name string) *suggestion.Author {
	if name == "" {
		name = username
	}
	return &suggestion.Author{
		Username:    username,
		Name:        name,
		DisplayName: name,
		Initials:    Initials(name),
		Color:       Color(username),
	}
}

func Initials(name string) string {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "NA"
	}
	if len(parts) == 1 {
		r := []rune(parts[0])
		if len(r) == 1 {
			return strings.ToUpper(string(r[0]))
		}
		return strings.ToUpper(string(r[0]) + string(r[1]))
	}
	return strings.ToUpper(string([]rune(parts[0])[0]) + string([]rune(parts[len(parts)-1])[0]))
}

var palette = []string{
	"#16a34a", // green
	"#dc2626", // red
	"#2563eb", // blue
	"#9333ea", // purple
	"#d97706", // amber
}

// Color picks a stable palette entry for a username.
func Color(username string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(username))
	return palette[h.Sum32()%uint32(len(palette))]
}
