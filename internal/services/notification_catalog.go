package services

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"

	domain "github.com/willowmart/api/internal/domain"
)

// notificationCatalog renders the title and body for taxonomy events in the
// recipient's locale. Unknown locales match to the closest supported tag.
type notificationCatalog struct {
	matcher language.Matcher
	tags    []language.Tag
}

func newNotificationCatalog() *notificationCatalog {
	tags := []language.Tag{
		language.English,
		language.Japanese,
	}
	return &notificationCatalog{
		matcher: language.NewMatcher(tags),
		tags:    tags,
	}
}

func (c *notificationCatalog) render(locale string, event NotificationEvent) (title, body string) {
	lang := c.match(locale)
	switch lang {
	case language.Japanese:
		return renderJapanese(event)
	default:
		return renderEnglish(event)
	}
}

func (c *notificationCatalog) match(locale string) language.Tag {
	locale = strings.ReplaceAll(strings.TrimSpace(locale), "_", "-")
	if locale == "" {
		return c.tags[0]
	}
	desired, err := language.Parse(locale)
	if err != nil {
		return c.tags[0]
	}
	_, index, _ := c.matcher.Match(desired)
	return c.tags[index]
}

func renderEnglish(event NotificationEvent) (string, string) {
	switch event.Type {
	case domain.NotificationTypeOrderNew:
		return "New order", fmt.Sprintf("Order %s was placed.", orderLabel(event))
	case domain.NotificationTypeOrderStatusChange:
		return "Order update", fmt.Sprintf("Order %s is now %s.", orderLabel(event), orderStatusLabel(event))
	case domain.NotificationTypeStockCritical:
		return "Critical stock", fmt.Sprintf("%s is almost sold out (%d left).", variantLabel(event), variantStock(event))
	case domain.NotificationTypeStockLow:
		return "Low stock", fmt.Sprintf("%s is running low (%d left).", variantLabel(event), variantStock(event))
	case domain.NotificationTypePaymentFailed:
		return "Payment failed", fmt.Sprintf("Payment for order %s failed.", orderLabel(event))
	case domain.NotificationTypeSystemAlert:
		return "System alert", reasonOrDefault(event, "A system event needs attention.")
	}
	return "Notification", reasonOrDefault(event, "Something happened.")
}

func renderJapanese(event NotificationEvent) (string, string) {
	switch event.Type {
	case domain.NotificationTypeOrderNew:
		return "新規注文", fmt.Sprintf("注文 %s が作成されました。", orderLabel(event))
	case domain.NotificationTypeOrderStatusChange:
		return "注文状況の更新", fmt.Sprintf("注文 %s は %s になりました。", orderLabel(event), orderStatusLabel(event))
	case domain.NotificationTypeStockCritical:
		return "在庫残りわずか", fmt.Sprintf("%s の在庫が残り %d 点です。", variantLabel(event), variantStock(event))
	case domain.NotificationTypeStockLow:
		return "在庫僅少", fmt.Sprintf("%s の在庫が少なくなっています（残り %d 点）。", variantLabel(event), variantStock(event))
	case domain.NotificationTypePaymentFailed:
		return "決済エラー", fmt.Sprintf("注文 %s の決済に失敗しました。", orderLabel(event))
	case domain.NotificationTypeSystemAlert:
		return "システム通知", reasonOrDefault(event, "システムイベントを確認してください。")
	}
	return "お知らせ", reasonOrDefault(event, "イベントが発生しました。")
}

func orderLabel(event NotificationEvent) string {
	if event.Order != nil && event.Order.OrderNumber != "" {
		return event.Order.OrderNumber
	}
	if event.Order != nil && event.Order.ID != "" {
		return event.Order.ID
	}
	if related := strings.TrimSpace(event.RelatedID); related != "" {
		return related
	}
	return "unknown"
}

func orderStatusLabel(event NotificationEvent) string {
	if event.Order != nil {
		return string(event.Order.Status)
	}
	return "updated"
}

func variantLabel(event NotificationEvent) string {
	if event.Variant == nil {
		return strings.TrimSpace(event.RelatedID)
	}
	name := strings.TrimSpace(event.Variant.Name)
	sku := strings.TrimSpace(event.Variant.SKU)
	switch {
	case name != "" && sku != "":
		return fmt.Sprintf("%s (%s)", name, sku)
	case name != "":
		return name
	case sku != "":
		return sku
	}
	return event.Variant.ID
}

func variantStock(event NotificationEvent) int {
	if event.Variant == nil {
		return 0
	}
	return event.Variant.Stock
}

func reasonOrDefault(event NotificationEvent, fallback string) string {
	if reason := strings.TrimSpace(event.Reason); reason != "" {
		return reason
	}
	return fallback
}
