package handler

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	zh_translations "github.com/go-playground/validator/v10/translations/zh"
	"github.com/qihang-tours/guide-scheduler/backend/internal/config"
	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
	"github.com/qihang-tours/guide-scheduler/backend/internal/invoice"
	"github.com/qihang-tours/guide-scheduler/backend/internal/repository"
	"github.com/qihang-tours/guide-scheduler/backend/internal/scheduling"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

type Handler struct {
	validate    *validator.Validate
	config      *config.Config
	repository  *repository.Repository
	coordinator *scheduling.Coordinator
	engine      *invoice.Engine
	translator  ut.Translator
	mailChannel *amqp.Channel
	redisClient *redis.Client

	Mux *chi.Mux
}

func NewHandler(cfg *config.Config, repo *repository.Repository, coordinator *scheduling.Coordinator, engine *invoice.Engine, mailCh *amqp.Channel, rdb *redis.Client) (*Handler, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	zh := zh.New()
	uni := ut.New(zh, zh)
	trans, _ := uni.GetTranslator("zh")
	if err := zh_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		return nil, err
	}

	return &Handler{
		validate:    validate,
		config:      cfg,
		repository:  repo,
		coordinator: coordinator,
		engine:      engine,
		translator:  trans,
		mailChannel: mailCh,
		redisClient: rdb,

		Mux: chi.NewRouter(),
	}, nil
}

func (h *Handler) RegisterRoutes() {
	h.Mux.Use(h.logger)
	h.Mux.Use(h.recoverer)

	// 认证相关
	h.Mux.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.Route("/reset-password", func(r chi.Router) {
			r.Post("/require", h.RequireResetPassword)
			r.Post("/confirm", h.ConfirmResetPassword)
		})
	})

	// 以下 API 必须要在登录后才允许调用
	h.Mux.Group(func(r chi.Router) {
		r.Use(h.auth)
		r.Route("/my-info", func(r chi.Router) {
			r.Use(h.myInfo)
			r.Get("/", h.GetMyInfo)
			r.Patch("/password", h.UpdateMyPassword)
			r.Route("/update-email", func(r chi.Router) {
				r.Post("/require", h.RequireUpdateEmail)
				r.Post("/confirm", h.ConfirmUpdateEmail)
			})
		})

		r.Route("/users", func(r chi.Router) {
			r.With(h.RequiredRole([]domain.Role{domain.RoleManager})).Post("/", h.CreateUser)
			r.Get("/", h.GetAllUserInfo) // 导游需要能看到其他导游的基本信息以便协调换班
			r.Route("/{id}", func(r chi.Router) {
				r.Use(h.userInfo)
				r.Get("/", h.GetUserInfo)
				r.With(h.preventOperateInitialManager).With(h.RequiredRole([]domain.Role{domain.RoleManager})).Patch("/", h.UpdateUser)
				r.With(h.preventOperateInitialManager).With(h.RequiredRole([]domain.Role{domain.RoleManager})).Delete("/", h.DeleteUser)
				r.With(h.RequiredRole([]domain.Role{domain.RoleManager})).Patch("/password", h.UpdateUserPassword)
			})
		})

		r.Route("/shifts", func(r chi.Router) {
			r.Get("/", h.ListShifts)
			r.With(h.RequiredRole([]domain.Role{domain.RoleManager})).Post("/materialize", h.MaterializeShifts)

			// 角色和归属的细粒度检查在核心逻辑里完成：
			// 分配/释放只允许经理，屏蔽/解除屏蔽允许导游本人或经理代操作
			r.Route("/{guideID}/{date}", func(r chi.Router) {
				r.Route("/{slot}", func(r chi.Router) {
					r.Post("/assign", h.AssignShift)
					r.Post("/release", h.ReleaseShift)
					r.Post("/block", h.BlockShift)
					r.Post("/unblock", h.UnblockShift)
				})
				r.Route("/afternoon", func(r chi.Router) {
					r.Post("/block", h.BlockAfternoon)
					r.Post("/unblock", h.UnblockAfternoon)
				})
			})
		})

		r.Route("/invoices", func(r chi.Router) {
			r.With(h.RequiredRole([]domain.Role{domain.RoleManager})).Post("/generate", h.GenerateInvoices)
			r.Get("/", h.ListInvoices)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetInvoice)
				r.Patch("/lines", h.EditInvoiceLines)
				r.Post("/send", h.SendInvoice)
				r.Post("/refresh", h.RefreshInvoice)
				r.Post("/approve", h.ApproveInvoice)
				r.Post("/reject", h.RejectInvoice)
				r.Post("/upload", h.UploadInvoice)
				r.Post("/verify", h.VerifyInvoice)
				r.Post("/manager-reject", h.ManagerRejectInvoice)
			})
		})
	})
}
