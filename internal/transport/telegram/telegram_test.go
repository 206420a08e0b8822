package telegram

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoeboo/codexrelay/internal/catalog"
)

func TestAuthorizedAllowList(t *testing.T) {
	b := &Bot{allowed: map[int64]bool{42: true}}
	assert.True(t, b.authorized(42))
	assert.False(t, b.authorized(7))
}

func TestAuthorizedEmptyListDeniesEveryone(t *testing.T) {
	b := &Bot{allowed: map[int64]bool{}}
	assert.False(t, b.authorized(42))
}

func TestAuthorizedAllowAll(t *testing.T) {
	b := &Bot{allowAll: true}
	assert.True(t, b.authorized(7))
}

func TestUserKeyIsTransportScoped(t *testing.T) {
	assert.Equal(t, "tg:42", userKey(42))
}

func TestListingKeyboard(t *testing.T) {
	records := []catalog.Record{
		{ID: "aaaa1111-0000-0000-0000-000000000001", Title: "fix the parser", LastActivity: time.Now()},
		{ID: "bbbb2222-0000-0000-0000-000000000002", Title: "write docs", LastActivity: time.Now()},
	}
	kb := listingKeyboard(records)
	require.NotNil(t, kb)
	require.Len(t, kb.InlineKeyboard, 2)
	btn := kb.InlineKeyboard[0][0]
	assert.Equal(t, "1. fix the parser", btn.Text)
	require.NotNil(t, btn.CallbackData)
	assert.Equal(t, "use:aaaa1111-0000-0000-0000-000000000001", *btn.CallbackData)
}

func TestListingKeyboardEmpty(t *testing.T) {
	assert.Nil(t, listingKeyboard(nil))
}

func TestListingKeyboardCapsRowsAndLabels(t *testing.T) {
	var records []catalog.Record
	for i := 0; i < 15; i++ {
		records = append(records, catalog.Record{
			ID:    "cccc3333-0000-0000-0000-00000000000" + string(rune('a'+i)),
			Title: strings.Repeat("long title ", 10),
		})
	}
	kb := listingKeyboard(records)
	require.NotNil(t, kb)
	assert.Len(t, kb.InlineKeyboard, keyboardMax)
	for _, row := range kb.InlineKeyboard {
		assert.LessOrEqual(t, len([]rune(row[0].Text)), 48)
	}
}
