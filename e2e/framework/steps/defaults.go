package steps

// RegisterDefaults registers all built-in handlers.
func RegisterDefaults(reg *Registry) {
	RegisterMiscHandlers(reg)
	RegisterDeploymentHandlers(reg)
	RegisterTopologyHandlers(reg)
	RegisterRemoteHandlers(reg)
	RegisterZeppelinHandlers(reg)
}
