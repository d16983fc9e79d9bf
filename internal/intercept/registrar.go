package intercept

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registration 描述代理脚本路径与控制作用域。
type Registration struct {
	Scope     string
	ScriptURL string
}

// Registrar 驱动 install → activate。安装失败后再次调用 Register 即重新安装，
// 本身不做自动重试。代理从上次运行恢复为 active 时，Register 只刷新预缓存。
type Registrar struct {
	agent  *Agent
	reg    Registration
	logger *logrus.Logger

	mu sync.Mutex
}

// NewRegistrar 绑定代理与注册信息，Scope/ScriptURL 为空时使用 "/" 与 "/sw.js"。
func NewRegistrar(agent *Agent, reg Registration, logger *logrus.Logger) *Registrar {
	if reg.Scope == "" {
		reg.Scope = "/"
	}
	if reg.ScriptURL == "" {
		reg.ScriptURL = "/sw.js"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registrar{agent: agent, reg: reg, logger: logger}
}

// Registration 返回注册信息。
func (r *Registrar) Registration() Registration {
	return r.reg
}

// Agent 返回被注册的代理。
func (r *Registrar) Agent() *Agent {
	return r.agent
}

// Status 是 /-/agent 诊断接口返回的快照。
type Status struct {
	State     State    `json:"state"`
	CacheName string   `json:"cache_name"`
	Scope     string   `json:"scope"`
	Script    string   `json:"script"`
	Entries   []string `json:"entries"`
}

// Status 汇总代理状态与缓存桶中的条目。
func (r *Registrar) Status(ctx context.Context) (Status, error) {
	entries, err := r.agent.Entries(ctx)
	if err != nil {
		return Status{}, err
	}
	if entries == nil {
		entries = []string{}
	}
	return Status{
		State:     r.agent.State(),
		CacheName: r.agent.CacheName(),
		Scope:     r.reg.Scope,
		Script:    r.reg.ScriptURL,
		Entries:   entries,
	}, nil
}

// Register 将代理推进到 active。已经 active 时直接返回。
func (r *Registrar) Register(ctx context.Context) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fields := logrus.Fields{
		"action":     "register",
		"scope":      r.reg.Scope,
		"script":     r.reg.ScriptURL,
		"cache_name": r.agent.CacheName(),
	}

	// 沿用上次运行的 active 状态时，刷新失败不影响对外服务。
	if r.agent.State() == StateActive && r.agent.Restored() {
		if err := r.agent.Refresh(ctx); err != nil {
			fields["state"] = string(StateActive)
			r.logger.WithFields(fields).WithError(err).Warn("registration failed")
			return StateActive, err
		}
	}

	if r.agent.State() == StateUninstalled {
		if err := r.agent.Install(ctx); err != nil {
			r.logger.WithFields(fields).WithError(err).Warn("registration failed")
			return r.agent.State(), err
		}
	}
	if r.agent.State() == StateInstalled {
		if err := r.agent.Activate(ctx); err != nil {
			r.logger.WithFields(fields).WithError(err).Warn("registration failed")
			return r.agent.State(), err
		}
	}

	state := r.agent.State()
	fields["state"] = string(state)
	if state != StateActive {
		r.logger.WithFields(fields).Warn("registration failed")
		return state, nil
	}
	r.logger.WithFields(fields).Info("registration successful")
	return state, nil
}
