// Package iocli abstracts terminal input and output of the posync CLI.
package iocli

// IO ввод/вывод команд CLI
type IO interface {
	Println(a ...any)
	Printf(format string, a ...any)
	ReadInput(prompt string) (string, error)
	// ReadSecret читает значение без эха, если вход это терминал
	ReadSecret(prompt string) (string, error)
	Write(p []byte) (n int, err error)
	// IsTerminal сообщает, подключен ли вывод к терминалу
	IsTerminal() bool
}
