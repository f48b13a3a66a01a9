package domain

// Principal 表示一次请求的已认证主体，由 handler 层从 JWT 中解析出来后传入核心逻辑
type Principal struct {
	UserID int64
	Role   Role
}

func (p Principal) IsManager() bool {
	return p.Role == RoleManager
}

func (p Principal) IsGuide() bool {
	return p.Role == RoleGuide
}

// CanActForGuide 判断主体是否可以代表某个导游进行操作：
// 导游本人可以，经理也可以（经理代操作是显式允许的覆盖）
func (p Principal) CanActForGuide(guideID int64) bool {
	if p.IsManager() {
		return true
	}
	return p.IsGuide() && p.UserID == guideID
}

// SystemPrincipal 是后台任务（如取消对账）使用的主体，权限等同于经理
var SystemPrincipal = Principal{UserID: 0, Role: RoleManager}
