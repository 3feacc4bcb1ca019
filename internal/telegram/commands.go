package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type handler func(b *Bot, req request) ([]tgbotapi.Chattable, error)

type command struct {
	tgbotapi.BotCommand
	handler handler
}

var (
	StartCmd = command{
		BotCommand: tgbotapi.BotCommand{Command: "start", Description: "Register and show your license"},
		handler:    (*Bot).cmdStart,
	}
	LicenseCmd = command{
		BotCommand: tgbotapi.BotCommand{Command: "license", Description: "License status and key"},
		handler:    (*Bot).cmdLicense,
	}
	ReferralCmd = command{
		BotCommand: tgbotapi.BotCommand{Command: "referral", Description: "Your invite link and bonus days"},
		handler:    (*Bot).cmdReferral,
	}
	ClaimCmd = command{
		BotCommand: tgbotapi.BotCommand{Command: "claim", Description: "Claim referral bonus days"},
		handler:    (*Bot).cmdClaim,
	}
	HelpCmd = command{
		BotCommand: tgbotapi.BotCommand{Command: "help", Description: "Show commands"},
		handler:    (*Bot).cmdHelp,
	}
)

var commands = map[string]*command{
	StartCmd.Command:    &StartCmd,
	LicenseCmd.Command:  &LicenseCmd,
	ReferralCmd.Command: &ReferralCmd,
	ClaimCmd.Command:    &ClaimCmd,
	HelpCmd.Command:     &HelpCmd,
}

// menu is the order commands are advertised in.
var menu = []*command{&StartCmd, &LicenseCmd, &ReferralCmd, &ClaimCmd, &HelpCmd}

const (
	callbackLicense = "license"
	callbackPay     = "pay"
	callbackClaim   = "claim"
)

func (b *Bot) setMyCommands() error {
	cmds := make([]tgbotapi.BotCommand, 0, len(menu))
	for _, c := range menu {
		cmds = append(cmds, c.BotCommand)
	}
	_, err := b.api.Request(tgbotapi.NewSetMyCommands(cmds...))
	return err
}
