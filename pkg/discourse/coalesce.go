package discourse

// CoalesceCategory combines two partial records for the same category.
// Fields from incoming override base only when they are set; the base
// id is always retained. Name and Slug count as set when non-empty.
func CoalesceCategory(base *CategoryInfo, incoming CategoryInfo) CategoryInfo {
	if base == nil {
		return incoming
	}
	merged := CategoryInfo{
		ID:               base.ID,
		Name:             coalesceString(base.Name, incoming.Name),
		Slug:             coalesceString(base.Slug, incoming.Slug),
		Color:            coalescePtr(base.Color, incoming.Color),
		TextColor:        coalescePtr(base.TextColor, incoming.TextColor),
		StyleType:        coalescePtr(base.StyleType, incoming.StyleType),
		Icon:             coalescePtr(base.Icon, incoming.Icon),
		Emoji:            coalescePtr(base.Emoji, incoming.Emoji),
		ParentCategoryID: coalescePtr(base.ParentCategoryID, incoming.ParentCategoryID),
		ReadRestricted:   coalescePtr(base.ReadRestricted, incoming.ReadRestricted),
		Description:      coalescePtr(base.Description, incoming.Description),
		DescriptionText:  coalescePtr(base.DescriptionText, incoming.DescriptionText),
	}
	return merged
}

func coalesceString(base, incoming string) string {
	if incoming != "" {
		return incoming
	}
	return base
}

func coalescePtr[T any](base, incoming *T) *T {
	if incoming != nil {
		return incoming
	}
	return base
}

// BuildCategoryMap indexes a category slice by id. Later entries for a
// duplicate id replace earlier ones.
func BuildCategoryMap(categories []CategoryInfo) map[int64]CategoryInfo {
	m := make(map[int64]CategoryInfo, len(categories))
	for _, c := range categories {
		m[c.ID] = c
	}
	return m
}
