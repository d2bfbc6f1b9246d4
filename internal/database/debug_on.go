//go:build arkdebug

package database

const debugBuild = true
