package llm

import (
	"fmt"
	"strings"
)

const ocrPrompt = `Bạn là chuyên gia OCR. Hãy trích xuất TOÀN BỘ văn bản từ ảnh hóa đơn này.

Yêu cầu:
- Giữ nguyên bố cục các dòng
- Bao gồm tên cửa hàng, địa chỉ, số hóa đơn, các món và giá tiền
- Chỉ trả về văn bản đã trích xuất, không giải thích`

// validationPrompt строит системную инструкцию для проверки чека конкретного магазина.
func validationPrompt(shopName string, patterns []string) string {
	if shopName == "" {
		shopName = "Cửa hàng"
	}
	if len(patterns) == 0 {
		patterns = []string{shopName}
	}

	quoted := make([]string, 0, len(patterns))
	for _, p := range patterns {
		quoted = append(quoted, fmt.Sprintf("%q", p))
	}

	return fmt.Sprintf(`Bạn là AI kiểm duyệt hóa đơn cho chương trình khuyến mãi của %q.

1. Tìm tên quán trên hóa đơn và so khớp với các từ khóa: %s.
   OCR có thể sai chính tả nhẹ, hãy nhận dạng linh hoạt.
   Nếu không khớp từ khóa nào thì valid = false.
2. Trích xuất mã hóa đơn (Số HĐ, Mã HĐ, Invoice, Bill No, Order, #...).
   Nếu không có mã, tạo mã từ ngày, giờ và tổng tiền, ví dụ "270126-1430-150K".
3. invoice_id không được null khi valid = true.

Chỉ trả về JSON thuần, không markdown:
{"valid": true/false, "reason": "lý do", "data": {"invoice_id": "...", "shop_name": "tên quán phát hiện được"}}`,
		shopName, strings.Join(quoted, ", "))
}
