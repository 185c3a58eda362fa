package ganapathi

import "embed"

// TemplateFS contains the embedded HTML templates of the conversation page, split into layout,
// pages, and partial views.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the embedded scripts and styles of the conversation page, including the
// avatar driver and the browser microphone.
//
//go:embed static/*
var StaticFS embed.FS
