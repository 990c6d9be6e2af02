package pipeline

import (
	"fmt"
	"strings"

	"github.com/mmeshcher/receiptdraw/internal/model"
)

// Тексты ответов по умолчанию.
const (
	DefaultShopName          = "cửa hàng"
	DefaultInvalidTemplate   = "Chương trình chỉ áp dụng cho hóa đơn từ {shop_name}. Hãy ghé {shop_name} để tham gia nhé!"
	DefaultDuplicateTemplate = "Hãy quay lại {shop_name} để nhận hóa đơn mới nhé!"
	DefaultThankYouTemplate  = "Cảm ơn bạn đã ủng hộ {shop_name}!"

	BusyReply       = "Hệ thống đang bận, vui lòng thử lại sau."
	UnreadableReply = "Không thể đọc được nội dung ảnh. Vui lòng gửi ảnh rõ hơn."
	TenantReason    = "Không tìm thấy cấu hình cửa hàng"
	DoneReply       = "Đã xử lý xong!"
)

const shopPlaceholder = "{shop_name}"

// Render подставляет название магазина в шаблон.
func Render(template, shopName string) string {
	return strings.ReplaceAll(template, shopPlaceholder, shopName)
}

func shopOf(tenant *model.TenantConfig) string {
	if tenant == nil || strings.TrimSpace(tenant.ShopName) == "" {
		return DefaultShopName
	}
	return tenant.ShopName
}

func pick(custom, fallback string) string {
	if strings.TrimSpace(custom) != "" {
		return custom
	}
	return fallback
}

// InvalidReply формирует ответ на непрошедший проверку чек.
// tenant может быть nil, если арендатор не найден.
func InvalidReply(tenant *model.TenantConfig, reason, detectedShop string) string {
	var tpl string
	if tenant != nil {
		tpl = tenant.Messages.Invalid
	}
	if strings.TrimSpace(reason) == "" {
		reason = "Hóa đơn không hợp lệ"
	}

	var b strings.Builder
	b.WriteString("❌ Rất tiếc! Hóa đơn không hợp lệ.\n\n")
	fmt.Fprintf(&b, "📋 Lý do: %s\n", reason)
	if detectedShop != "" {
		fmt.Fprintf(&b, "🏪 Quán phát hiện: %s\n", detectedShop)
	}
	b.WriteString("\n")
	b.WriteString(Render(pick(tpl, DefaultInvalidTemplate), shopOf(tenant)))
	return b.String()
}

// DuplicateReply формирует ответ на повторно присланный чек.
func DuplicateReply(tenant *model.TenantConfig, invoiceID string) string {
	var tpl string
	if tenant != nil {
		tpl = tenant.Messages.Duplicate
	}
	return fmt.Sprintf("⚠️ Hóa đơn này đã được sử dụng rồi!\n\n🔢 Mã HĐ: %s\n\nMỗi hóa đơn chỉ được quay thưởng 1 lần.\n%s",
		invoiceID, Render(pick(tpl, DefaultDuplicateTemplate), shopOf(tenant)))
}

// WinReply формирует ответ с результатом розыгрыша.
func WinReply(tenant *model.TenantConfig, invoiceID string, prize model.Prize) string {
	var tpl string
	if tenant != nil {
		tpl = tenant.Messages.ThankYou
	}
	emoji := prize.Emoji
	if emoji == "" {
		emoji = "🎁"
	}

	var b strings.Builder
	b.WriteString("🎊 CHÚC MỪNG BẠN ĐÃ THAM GIA QUAY THƯỞNG!\n\n")
	fmt.Fprintf(&b, "🔢 Mã HĐ: %s\n", invoiceID)
	b.WriteString("━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Fprintf(&b, "%s Kết quả: %s!\n\n", emoji, strings.ToUpper(prize.Name))
	if prize.Instruction != "" {
		b.WriteString(prize.Instruction)
		b.WriteString("\n\n")
	}
	b.WriteString(Render(pick(tpl, DefaultThankYouTemplate), shopOf(tenant)))
	b.WriteString(" 💚")
	return b.String()
}

// ErrorReply формирует ответ, если этап упал, не оставив текста.
func ErrorReply(err error) string {
	return fmt.Sprintf("❌ Đã xảy ra lỗi: %v\n\nVui lòng thử lại sau!", err)
}
