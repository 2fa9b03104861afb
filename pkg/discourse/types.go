// Package discourse defines the wire types of the upstream Discourse
// JSON contract consumed by the merged feed engine.
package discourse

import "time"

// Topic is a single discussion thread as returned inside a category
// topic list.
type Topic struct {
	ID                int64           `json:"id"`
	Title             string          `json:"title"`
	FancyTitle        string          `json:"fancy_title,omitempty"`
	Slug              string          `json:"slug"`
	BumpedAt          time.Time       `json:"bumped_at"`
	LastPostedAt      *time.Time      `json:"last_posted_at,omitempty"`
	CreatedAt         *time.Time      `json:"created_at,omitempty"`
	Views             int             `json:"views"`
	ReplyCount        int             `json:"reply_count"`
	PostsCount        int             `json:"posts_count,omitempty"`
	HighestPostNumber int             `json:"highest_post_number,omitempty"`
	LikeCount         int             `json:"like_count,omitempty"`
	CategoryID        int64           `json:"category_id"`
	Posters           []TopicPoster   `json:"posters,omitempty"`
	Pinned            bool            `json:"pinned,omitempty"`
	PinnedGlobally    bool            `json:"pinned_globally,omitempty"`
	Unseen            bool            `json:"unseen,omitempty"`
	Excerpt           *string         `json:"excerpt,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
	ImageURL          *string         `json:"image_url,omitempty"`
	Thumbnails        []TopicThumbnail `json:"thumbnails,omitempty"`
	HasSummary        bool            `json:"has_summary,omitempty"`
	CanHaveAnswer     bool            `json:"can_have_answer,omitempty"`
	HasAcceptedAnswer bool            `json:"has_accepted_answer,omitempty"`
	Closed            bool            `json:"closed,omitempty"`
	Archived          bool            `json:"archived,omitempty"`
}

// TopicPoster links a topic to one of the users appearing in it.
type TopicPoster struct {
	UserID         int64   `json:"user_id"`
	Description    *string `json:"description,omitempty"`
	Extras         *string `json:"extras,omitempty"`
	PrimaryGroupID *int64  `json:"primary_group_id,omitempty"`
	FlairGroupID   *int64  `json:"flair_group_id,omitempty"`
}

// TopicThumbnail is one rendition of a topic's preview image.
type TopicThumbnail struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	URL       string  `json:"url"`
	MaxWidth  *int    `json:"max_width,omitempty"`
	MaxHeight *int    `json:"max_height,omitempty"`
}

// User is a forum user referenced by topic posters. AvatarTemplate is a
// URL pattern containing a {size} placeholder.
type User struct {
	ID             int64   `json:"id"`
	Username       string  `json:"username"`
	Name           *string `json:"name,omitempty"`
	AvatarTemplate string  `json:"avatar_template"`
	FlairName      *string `json:"flair_name,omitempty"`
	FlairURL       *string `json:"flair_url,omitempty"`
	FlairBgColor   *string `json:"flair_bg_color,omitempty"`
	FlairColor     *string `json:"flair_color,omitempty"`
	FlairGroupID   *int64  `json:"flair_group_id,omitempty"`
	TrustLevel     int     `json:"trust_level,omitempty"`
	AnimatedAvatar *string `json:"animated_avatar,omitempty"`
}

// CategoryInfo describes a forum category. Categories form a two-level
// tree: ParentCategoryID is nil for top-level categories and points to
// exactly one parent otherwise.
type CategoryInfo struct {
	ID               int64   `json:"id"`
	Name             string  `json:"name"`
	Slug             string  `json:"slug"`
	Color            *string `json:"color,omitempty"`
	TextColor        *string `json:"text_color,omitempty"`
	StyleType        *string `json:"style_type,omitempty"`
	Icon             *string `json:"icon,omitempty"`
	Emoji            *string `json:"emoji,omitempty"`
	ParentCategoryID *int64  `json:"parent_category_id,omitempty"`
	ReadRestricted   *bool   `json:"read_restricted,omitempty"`
	Description      *string `json:"description,omitempty"`
	DescriptionText  *string `json:"description_text,omitempty"`
}

// TopicList is the topic page payload inside a category response.
// MoreTopicsURL is set by the upstream when a further page exists.
type TopicList struct {
	Topics        []Topic `json:"topics"`
	MoreTopicsURL string  `json:"more_topics_url,omitempty"`
}

// CategoryList carries the sibling/child categories some category
// responses include.
type CategoryList struct {
	Categories []CategoryInfo `json:"categories"`
}

// CategoryResponse is the payload of GET /c/<path>.json.
type CategoryResponse struct {
	TopicList    TopicList     `json:"topic_list"`
	Users        []User        `json:"users"`
	Category     *CategoryInfo `json:"category,omitempty"`
	CategoryList *CategoryList `json:"category_list,omitempty"`
}

// HierarchicalSearchResponse is the payload of
// GET /categories/hierarchical_search.
type HierarchicalSearchResponse struct {
	Categories []CategoryInfo `json:"categories,omitempty"`
}
