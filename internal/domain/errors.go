package domain

import "errors"

var (
	// ErrAuth: credenciales rechazadas por el exchange o por el canal de usuario.
	ErrAuth = errors.New("authentication failed")
	// ErrInsufficientBalance: el exchange rechazó la orden por falta de saldo o allowance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNoLiquidity: no hay libro suficiente para cotizar.
	ErrNoLiquidity = errors.New("no liquidity")
	// ErrInvalidConfig: parámetros de configuración inválidos.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrOrderNotFound: la orden no existe o ya no está abierta.
	ErrOrderNotFound = errors.New("order not found")
)
