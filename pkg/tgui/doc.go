// Package tgui provides small helpers for Telegram message text: HTML
// building with escaping for ParseMode="HTML", and length limits.
package tgui
