package domain

import (
	"fmt"
	"math"
	"regexp"
	"time"
)

// Cents 以分为单位表示金额，避免浮点数比较带来的误差
type Cents int64

// CentsFromFloat 将输入的金额规范化到两位小数
func CentsFromFloat(v float64) Cents {
	return Cents(math.Round(v * 100))
}

func (c Cents) Float() float64 {
	return float64(c) / 100
}

func (c Cents) String() string {
	return fmt.Sprintf("%.2f", c.Float())
}

type InvoiceStatus string

const (
	InvoiceStatusManagerReview       InvoiceStatus = "MANAGER_REVIEW"
	InvoiceStatusPendingApproval     InvoiceStatus = "PENDING_GUIDE_APPROVAL"
	InvoiceStatusWaitingUpload       InvoiceStatus = "WAITING_INVOICE_UPLOAD"
	InvoiceStatusPendingVerification InvoiceStatus = "PENDING_MANAGER_VERIFICATION"
	InvoiceStatusApproved            InvoiceStatus = "APPROVED"
	InvoiceStatusRejected            InvoiceStatus = "REJECTED"

	// InvoiceStatusUploadOverdue 是派生状态，不会写入数据库，
	// 只在 WAITING_INVOICE_UPLOAD 且当前时间超过上传截止时间时对外展示
	InvoiceStatusUploadOverdue InvoiceStatus = "UPLOAD_OVERDUE"
)

type InvoiceLine struct {
	ID          string     `json:"id"`
	ShiftDate   *time.Time `json:"shiftDate,omitempty"`
	ShiftSlot   Slot       `json:"shiftSlot,omitempty"`
	Description string     `json:"description"`
	Amount      Cents      `json:"amountCents"`
	Extra       bool       `json:"extra"`
}

// IsDerived 表示这一行来自某个已分配班次，而不是经理手动添加的额外项
func (l *InvoiceLine) IsDerived() bool {
	return !l.Extra
}

type Invoice struct {
	ID               int64         `json:"id"`
	GuideID          int64         `json:"guideID"`
	Month            string        `json:"month"` // 格式为 2006-01
	Lines            []InvoiceLine `json:"lines"`
	Status           InvoiceStatus `json:"status"`
	RejectionComment string        `json:"rejectionComment,omitempty"`
	UploadDeadline   *time.Time    `json:"uploadDeadline,omitempty"`
	DocumentKey      string        `json:"documentKey,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	Version          int32         `json:"-"`
}

// Total 总是根据行项目重新计算，从不单独存储或直接编辑
func (inv *Invoice) Total() Cents {
	var total Cents
	for _, line := range inv.Lines {
		total += line.Amount
	}
	return total
}

// EffectiveStatus 计算对外展示的状态，超期上传是 (状态, 截止时间, 当前时间) 的纯函数
func (inv *Invoice) EffectiveStatus(now time.Time) InvoiceStatus {
	if inv.Status == InvoiceStatusWaitingUpload && inv.UploadDeadline != nil && now.After(*inv.UploadDeadline) {
		return InvoiceStatusUploadOverdue
	}
	return inv.Status
}

var monthPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

func ParseMonth(s string) (string, error) {
	if !monthPattern.MatchString(s) {
		return "", fmt.Errorf("无效的月份: %s，格式应为 2006-01", s)
	}
	return s, nil
}

// MonthRange 返回某个月的 [第一天, 下个月第一天) 区间
func MonthRange(month string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("无效的月份: %s", month)
	}
	return start, start.AddDate(0, 1, 0), nil
}

// PrevMonth 返回给定时间所在月份的上一个月，供每月对账单生成任务使用
func PrevMonth(now time.Time) string {
	return now.AddDate(0, -1, 0).Format("2006-01")
}
