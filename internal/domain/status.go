package domain

import "slices"

// AgentStatus: состояние жизненного цикла агента.
type AgentStatus string

const (
	StatusDeployed       AgentStatus = "deployed"       // Развернут, еще не запускался
	StatusActive         AgentStatus = "active"         // Принимает и выполняет запросы
	StatusSuspended      AgentStatus = "suspended"      // Приостановлен оператором
	StatusOffline        AgentStatus = "offline"        // Недоступен (потеря связи, обслуживание)
	StatusDecommissioned AgentStatus = "decommissioned" // Выведен из эксплуатации, терминальный
)

// Таблица переходов конечного автомата. Единственный источник правды.
var transitions = map[AgentStatus][]AgentStatus{
	StatusDeployed:       {StatusActive, StatusDecommissioned},
	StatusActive:         {StatusSuspended, StatusOffline, StatusDecommissioned},
	StatusSuspended:      {StatusActive, StatusDecommissioned},
	StatusOffline:        {StatusActive, StatusDecommissioned},
	StatusDecommissioned: nil,
}

// AllStatuses возвращает все статусы в порядке жизненного цикла.
func AllStatuses() []AgentStatus {
	return []AgentStatus{StatusDeployed, StatusActive, StatusSuspended, StatusOffline, StatusDecommissioned}
}

// Valid сообщает, что статус входит в известный набор.
func (s AgentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// AllowedTransitions возвращает копию списка допустимых целевых статусов.
func (s AgentStatus) AllowedTransitions() []AgentStatus {
	return slices.Clone(transitions[s])
}

// CanTransitionTo: чистый предикат легальности перехода.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	return slices.Contains(transitions[s], next)
}

func (s AgentStatus) IsTerminal() bool { return s == StatusDecommissioned }

// IsOperational: агент может выполнять capability.
func (s AgentStatus) IsOperational() bool { return s == StatusActive }

func (s AgentStatus) String() string { return string(s) }
