package consumer

// Notification 是一条面向用户的提示。
type Notification struct {
	Level   string `json:"level"` // error | info
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Notifier 接收面向用户的提示。
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc 把函数适配为 Notifier。
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

func errorNotice(title, message string) Notification {
	return Notification{Level: "error", Title: title, Message: message}
}
