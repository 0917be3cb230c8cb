package errors

// WrapOpComponent wraps err with a consistent Op and Component.
// If err is nil, returns nil.
func WrapOpComponent(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	return E(op, Component(component), err)
}

