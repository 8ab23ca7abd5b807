// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package command parses the native-messaging request envelope
// (spec.md §3, §4.2) into a typed Command value. Parsing validates
// only envelope shape and argument primitive types; semantic
// validation (challenge nonce length, origin scheme, hash length) is
// the handler's job, per spec.md §4.2, so that a semantic failure is
// reported as CommandHandlerInputDataError rather than a parse error.
package command

import (
	"encoding/json"
	"fmt"

	"github.com/web-eid/web-eid-app-go/pkg/apperror"
)

// Name identifies a recognized command.
type Name string

const (
	Status                Name = "status"
	Authenticate          Name = "authenticate"
	GetSigningCertificate Name = "get-signing-certificate"
	Sign                  Name = "sign"
	Quit                  Name = "quit"
)

// envelope mirrors the wire shape of spec.md §6:
// { id?, command, arguments?, lang? }.
type envelope struct {
	ID        json.RawMessage        `json:"id,omitempty"`
	Command   string                 `json:"command"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Lang      string                 `json:"lang,omitempty"`
}

// Command is the parsed, typed representation of one request. ID is
// nil when the request carried none; the controller must still emit
// exactly one response (spec.md §3 invariant (iv)), just without an
// echoed id.
type Command struct {
	ID   json.RawMessage
	Name Name
	Lang string

	// Exactly one of the following is populated, selected by Name.
	AuthenticateArgs          AuthenticateArgs
	GetSigningCertificateArgs GetSigningCertificateArgs
	SignArgs                  SignArgs
}

type AuthenticateArgs struct {
	ChallengeNonce string
	Origin         string
}

type GetSigningCertificateArgs struct {
	Origin string
}

type SignArgs struct {
	Origin       string
	HashB64      string
	HashFunction string
}

// Parse validates the envelope and dispatches to a typed Command.
func Parse(raw []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Command{}, &apperror.CommandHandlerInputDataError{Message: fmt.Sprintf("request is not a JSON object: %v", err)}
	}

	name := Name(env.Command)
	cmd := Command{ID: env.ID, Name: name, Lang: env.Lang}

	switch name {
	case Status, Quit:
		return cmd, nil

	case Authenticate:
		args, err := parseAuthenticateArgs(env.Arguments)
		if err != nil {
			return Command{ID: env.ID}, err
		}
		cmd.AuthenticateArgs = args
		return cmd, nil

	case GetSigningCertificate:
		args, err := parseGetSigningCertificateArgs(env.Arguments)
		if err != nil {
			return Command{ID: env.ID}, err
		}
		cmd.GetSigningCertificateArgs = args
		return cmd, nil

	case Sign:
		args, err := parseSignArgs(env.Arguments)
		if err != nil {
			return Command{ID: env.ID}, err
		}
		cmd.SignArgs = args
		return cmd, nil

	default:
		return Command{ID: env.ID}, &apperror.CommandHandlerInputDataError{
			Field:   "command",
			Message: fmt.Sprintf("unrecognized command %q", env.Command),
		}
	}
}

func stringArg(args map[string]interface{}, field string) (string, error) {
	v, ok := args[field]
	if !ok {
		return "", &apperror.CommandHandlerInputDataError{Field: field, Message: "argument is required"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &apperror.CommandHandlerInputDataError{Field: field, Message: "argument must be a string"}
	}
	return s, nil
}

func parseAuthenticateArgs(args map[string]interface{}) (AuthenticateArgs, error) {
	nonce, err := stringArg(args, "challengeNonce")
	if err != nil {
		return AuthenticateArgs{}, err
	}
	origin, err := stringArg(args, "origin")
	if err != nil {
		return AuthenticateArgs{}, err
	}
	return AuthenticateArgs{ChallengeNonce: nonce, Origin: origin}, nil
}

func parseGetSigningCertificateArgs(args map[string]interface{}) (GetSigningCertificateArgs, error) {
	origin, err := stringArg(args, "origin")
	if err != nil {
		return GetSigningCertificateArgs{}, err
	}
	return GetSigningCertificateArgs{Origin: origin}, nil
}

func parseSignArgs(args map[string]interface{}) (SignArgs, error) {
	origin, err := stringArg(args, "origin")
	if err != nil {
		return SignArgs{}, err
	}
	hash, err := stringArg(args, "hash")
	if err != nil {
		return SignArgs{}, err
	}
	hashFunction, err := stringArg(args, "hashFunction")
	if err != nil {
		return SignArgs{}, err
	}
	return SignArgs{Origin: origin, HashB64: hash, HashFunction: hashFunction}, nil
}
