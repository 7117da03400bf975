package env

type Args struct {
	Test     *bool
	NoWow    *bool
	Verbose  *bool
	Config   *string
	HomeKit  *bool
	Terminal *bool
}
