// controller/controllers.go
package controller

import "github.com/dev-mohitbeniwal/echo/authz/service"

type Controllers struct {
	Authz *AuthzController
}

func InitializeControllers(authzService service.IAuthzService) *Controllers {
	return &Controllers{
		Authz: NewAuthzController(authzService),
	}
}
