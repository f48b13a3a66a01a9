package seed

import (
	"log/slog"

	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
	"github.com/qihang-tours/guide-scheduler/backend/internal/repository"
	"github.com/qihang-tours/guide-scheduler/backend/internal/utils"
)

// SeedGuides 插入 n 个随机导游账号，返回实际插入的数量
func SeedGuides(r *repository.Repository, n int, password string, emailDomain string) int {
	cnt := 0
	for i := 0; i < n; i++ {
		guide, err := utils.GenerateRandomGuide(password, emailDomain)
		if err != nil {
			slog.Error("无法生成随机导游", "error", err)
			continue
		}

		if err := r.CreateUser(guide); err != nil {
			slog.Error("无法插入导游", "error", err)
			continue
		}

		cnt++
	}

	slog.Info("插入导游完成", "count", cnt)
	return cnt
}

// MaterializeMonth 为全部在职导游物化某个月的班次记录，已有记录保持原样
func MaterializeMonth(r *repository.Repository, month string) {
	from, to, err := domain.MonthRange(month)
	if err != nil {
		slog.Error("月份无效", "month", month, "error", err)
		return
	}

	guides, err := r.GetActiveGuides()
	if err != nil {
		slog.Error("无法获取在职导游", "error", err)
		return
	}
	if len(guides) == 0 {
		slog.Error("数据库中没有在职导游，请先插入导游")
		return
	}

	guideIDs := make([]int64, 0, len(guides))
	for _, guide := range guides {
		guideIDs = append(guideIDs, guide.ID)
	}

	// MaterializeShifts 的区间是闭区间，月末是下个月第一天的前一天
	created, err := r.MaterializeShifts(guideIDs, from, to.AddDate(0, 0, -1))
	if err != nil {
		slog.Error("物化班次失败", "error", err)
		return
	}

	slog.Info("物化班次完成", "month", month, "created", created)
}
